package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

// ExpenseRepository handles expense rows. Writes take a querier so they can
// run inside PostgresStore transactions.
type ExpenseRepository struct{}

const expenseColumns = `
	id, owner_id, org_unit,
	amount::text, currency, converted_amount::text, base_currency,
	category, merchant, expense_date::text,
	description, payment_method, receipt_ref,
	status, round, version,
	submitted_at, decided_at, created_at, updated_at`

// insert creates the expense row at version 1.
func (r *ExpenseRepository) insert(ctx context.Context, q querier, e *Expense) error {
	query := `
		INSERT INTO expenses
		    (id, owner_id, org_unit,
		     amount, currency, converted_amount, base_currency,
		     category, merchant, expense_date,
		     description, payment_method, receipt_ref,
		     status, round, version,
		     submitted_at, decided_at, created_at, updated_at)
		VALUES ($1, $2, $3,
		        $4::text::numeric, $5, $6::text::numeric, $7,
		        $8, $9, $10::text::date,
		        $11, $12, $13,
		        $14, $15, 1,
		        $16, $17, $18, $19)
	`

	_, err := q.Exec(ctx, query,
		e.ID, e.OwnerID, e.OrgUnit,
		e.Amount.String(), e.Currency, decimalText(e.ConvertedAmount), e.BaseCurrency,
		string(e.Category), e.Merchant, e.ExpenseDate,
		e.Description, e.PaymentMethod, e.ReceiptRef,
		string(e.Status), e.Round,
		e.SubmittedAt, e.DecidedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert expense: %w", err)
	}
	e.Version = 1
	return nil
}

// compareAndSwap writes e when the stored version equals expected and bumps
// the version. It returns false when no row matched.
func (r *ExpenseRepository) compareAndSwap(ctx context.Context, q querier, e *Expense, expected int64) (bool, error) {
	query := `
		UPDATE expenses
		SET org_unit         = $3,
		    amount           = $4::text::numeric,
		    currency         = $5,
		    converted_amount = $6::text::numeric,
		    base_currency    = $7,
		    category         = $8,
		    merchant         = $9,
		    expense_date     = $10::text::date,
		    description      = $11,
		    payment_method   = $12,
		    receipt_ref      = $13,
		    status           = $14,
		    round            = $15,
		    submitted_at     = $16,
		    decided_at       = $17,
		    updated_at       = $18,
		    version          = version + 1
		WHERE id = $1 AND version = $2
	`

	tag, err := q.Exec(ctx, query,
		e.ID, expected,
		e.OrgUnit,
		e.Amount.String(), e.Currency, decimalText(e.ConvertedAmount), e.BaseCurrency,
		string(e.Category), e.Merchant, e.ExpenseDate,
		e.Description, e.PaymentMethod, e.ReceiptRef,
		string(e.Status), e.Round,
		e.SubmittedAt, e.DecidedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update expense: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ExpenseRepository) exists(ctx context.Context, q querier, id string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM expenses WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// GetByID retrieves an expense by primary key.
func (r *ExpenseRepository) GetByID(ctx context.Context, q querier, id string) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`

	e, err := r.scan(q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("expense", id)
	}
	return e, err
}

// List returns a page of expenses and the total match count.
func (r *ExpenseRepository) List(ctx context.Context, q querier, f ExpenseFilter) ([]*Expense, int64, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.FromDate != "" {
		add("expense_date >= $%d::text::date", f.FromDate)
	}
	if f.ToDate != "" {
		add("expense_date <= $%d::text::date", f.ToDate)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM expenses`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count expenses: %w", err)
	}

	query := `SELECT ` + expenseColumns + ` FROM expenses` + whereSQL +
		` ORDER BY expense_date DESC, created_at DESC`
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		args = append(args, f.PageSize, (page-1)*f.PageSize)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	expenses := make([]*Expense, 0)
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		expenses = append(expenses, e)
	}
	return expenses, total, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ExpenseRepository) scan(row rowScanner) (*Expense, error) {
	e := &Expense{}
	var (
		amount, category, status string
		converted                *string
	)
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.OrgUnit,
		&amount, &e.Currency, &converted, &e.BaseCurrency,
		&category, &e.Merchant, &e.ExpenseDate,
		&e.Description, &e.PaymentMethod, &e.ReceiptRef,
		&status, &e.Round, &e.Version,
		&e.SubmittedAt, &e.DecidedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if converted != nil {
		d, err := decimal.NewFromString(*converted)
		if err != nil {
			return nil, fmt.Errorf("parse converted amount: %w", err)
		}
		e.ConvertedAmount = &d
	}
	e.Category = Category(category)
	e.Status = ExpenseStatus(status)
	return e, nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
