package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// CurrencyConverterInterface converts amounts into the base currency.
type CurrencyConverterInterface interface {
	Convert(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error)
}

// ExpensePatch carries the editable fields of an expense. Nil fields are left
// unchanged.
type ExpensePatch struct {
	Amount        *decimal.Decimal     `json:"amount,omitempty"`
	Currency      *string              `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Category      *repository.Category `json:"category,omitempty"`
	Merchant      *string              `json:"merchant,omitempty" validate:"omitempty,max=200"`
	ExpenseDate   *string              `json:"expense_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description   *string              `json:"description,omitempty" validate:"omitempty,max=2000"`
	PaymentMethod *string              `json:"payment_method,omitempty" validate:"omitempty,oneof=card cash bank"`
	ReceiptRef    *string              `json:"receipt_ref,omitempty" validate:"omitempty,max=500"`
}

// Empty reports whether the patch changes nothing.
func (p ExpensePatch) Empty() bool {
	return p.Amount == nil && p.Currency == nil && p.Category == nil && p.Merchant == nil &&
		p.ExpenseDate == nil && p.Description == nil && p.PaymentMethod == nil && p.ReceiptRef == nil
}

// apply writes the patch into e and returns the names of changed fields.
func (p ExpensePatch) apply(e *repository.Expense) []string {
	var changed []string
	if p.Amount != nil && !p.Amount.Equal(e.Amount) {
		e.Amount = *p.Amount
		changed = append(changed, "amount")
	}
	if p.Currency != nil && !strings.EqualFold(*p.Currency, e.Currency) {
		e.Currency = strings.ToUpper(*p.Currency)
		changed = append(changed, "currency")
	}
	if p.Category != nil && *p.Category != e.Category {
		e.Category = *p.Category
		changed = append(changed, "category")
	}
	if p.Merchant != nil {
		if m := strings.TrimSpace(*p.Merchant); m != e.Merchant {
			e.Merchant = m
			changed = append(changed, "merchant")
		}
	}
	if p.ExpenseDate != nil && *p.ExpenseDate != e.ExpenseDate {
		e.ExpenseDate = *p.ExpenseDate
		changed = append(changed, "expense_date")
	}
	if p.Description != nil && setOptional(&e.Description, *p.Description) {
		changed = append(changed, "description")
	}
	if p.PaymentMethod != nil && setOptional(&e.PaymentMethod, *p.PaymentMethod) {
		changed = append(changed, "payment_method")
	}
	if p.ReceiptRef != nil && setOptional(&e.ReceiptRef, *p.ReceiptRef) {
		changed = append(changed, "receipt_ref")
	}
	return changed
}

// setOptional stores v (blank clears) into *dst and reports whether the value
// changed.
func setOptional(dst **string, v string) bool {
	next := optional(v)
	cur := *dst
	if (cur == nil && next == nil) || (cur != nil && next != nil && *cur == *next) {
		return false
	}
	*dst = next
	return true
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// validateExpense enforces the record invariants the workflow relies on.
func validateExpense(e *repository.Expense) error {
	if !e.Amount.IsPositive() {
		return errors.InvalidInput("amount", "must be greater than zero")
	}
	if len(e.Currency) != 3 || strings.ToUpper(e.Currency) != e.Currency {
		return errors.InvalidInput("currency", "must be a 3-letter ISO 4217 code")
	}
	if _, err := currency.ParseISO(e.Currency); err != nil {
		return errors.InvalidInput("currency", "unrecognised currency "+e.Currency)
	}
	if !e.Category.Valid() {
		return errors.InvalidInput("category", "unknown category "+string(e.Category))
	}
	if strings.TrimSpace(e.Merchant) == "" {
		return errors.InvalidInput("merchant", "is required")
	}
	if _, err := time.Parse(dateLayout, e.ExpenseDate); err != nil {
		return errors.InvalidInput("expense_date", "must be YYYY-MM-DD")
	}
	if e.PaymentMethod != nil {
		switch *e.PaymentMethod {
		case "card", "cash", "bank":
		default:
			return errors.InvalidInput("payment_method", "must be card, cash or bank")
		}
	}
	return nil
}
