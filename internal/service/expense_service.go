package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// ExpenseService handles expense records outside the state machine: creation,
// queries, draft edits, reporting and rule administration.
type ExpenseService struct {
	store     repository.Store
	rules     repository.RuleStore
	workflow  *ExpenseWorkflowService
	directory DirectoryClientInterface
	log       *logger.Logger
}

// NewExpenseService creates a new ExpenseService.
func NewExpenseService(
	store repository.Store,
	rules repository.RuleStore,
	workflow *ExpenseWorkflowService,
	directory DirectoryClientInterface,
	log *logger.Logger,
) *ExpenseService {
	return &ExpenseService{
		store:     store,
		rules:     rules,
		workflow:  workflow,
		directory: directory,
		log:       log,
	}
}

// CreateExpenseRequest represents a create expense request
type CreateExpenseRequest struct {
	OwnerID       string              `json:"-" validate:"required"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency" validate:"required,len=3,alpha"`
	Category      repository.Category `json:"category" validate:"required"`
	Merchant      string              `json:"merchant" validate:"required,max=200"`
	ExpenseDate   string              `json:"expense_date" validate:"required,datetime=2006-01-02"`
	Description   *string             `json:"description,omitempty" validate:"omitempty,max=2000"`
	PaymentMethod *string             `json:"payment_method,omitempty" validate:"omitempty,oneof=card cash bank"`
	ReceiptRef    *string             `json:"receipt_ref,omitempty" validate:"omitempty,max=500"`
	Submit        bool                `json:"submit"`
}

// PendingApproval is an expense waiting on a specific approver.
type PendingApproval struct {
	Expense   *repository.Expense   `json:"expense"`
	Checklist *repository.Checklist `json:"checklist"`
}

// CategoryTotal is one row of the category summary.
type CategoryTotal struct {
	Category repository.Category `json:"category"`
	Count    int                 `json:"count"`
	Total    decimal.Decimal     `json:"total"`
	Percent  decimal.Decimal     `json:"percent"`
}

// CategorySummary aggregates approved expenses in the base currency.
type CategorySummary struct {
	BaseCurrency string          `json:"base_currency"`
	Total        decimal.Decimal `json:"total"`
	Categories   []CategoryTotal `json:"categories"`
	Unconverted  int             `json:"unconverted"`
}

// StatusTotal is one row of the status summary. Count includes expenses
// without a converted amount; Total does not.
type StatusTotal struct {
	Status repository.ExpenseStatus `json:"status"`
	Count  int                      `json:"count"`
	Total  decimal.Decimal          `json:"total"`
}

// StatusSummary totals submitted expenses per workflow state.
type StatusSummary struct {
	BaseCurrency string        `json:"base_currency"`
	Statuses     []StatusTotal `json:"statuses"`
	Unconverted  int           `json:"unconverted"`
}

// MonthTotal is approved spend for one calendar month (YYYY-MM).
type MonthTotal struct {
	Month string          `json:"month"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// MonthlyTrend is approved spend per month, oldest first, ending with the
// current month.
type MonthlyTrend struct {
	BaseCurrency string       `json:"base_currency"`
	Months       []MonthTotal `json:"months"`
	Unconverted  int          `json:"unconverted"`
}

const (
	dateLayout     = "2006-01-02"
	maxTrendMonths = 24
)

// ── Expenses ──────────────────────────────────────────────────────────────────

// CreateExpense records a new draft, and submits it straight away when
// req.Submit is set.
func (s *ExpenseService) CreateExpense(ctx context.Context, req *CreateExpenseRequest) (*repository.Expense, *repository.Checklist, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	now := s.workflow.now()
	e := &repository.Expense{
		ID:            s.workflow.newID(),
		OwnerID:       req.OwnerID,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		Category:      req.Category,
		Merchant:      strings.TrimSpace(req.Merchant),
		ExpenseDate:   req.ExpenseDate,
		Description:   trimmed(req.Description),
		PaymentMethod: trimmed(req.PaymentMethod),
		ReceiptRef:    trimmed(req.ReceiptRef),
		Status:        repository.StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateExpense(e); err != nil {
		return nil, nil, err
	}

	if s.directory != nil {
		unit, err := s.directory.OrgUnitOf(ctx, e.OwnerID)
		if err != nil {
			s.log.Debug().Err(err).Str("owner_id", e.OwnerID).Msg("Org unit lookup failed")
		}
		e.OrgUnit = unit
	}
	s.workflow.convert(ctx, e)

	audit := &repository.AuditEntry{
		ID:          s.workflow.newID(),
		ExpenseID:   e.ID,
		Actor:       e.OwnerID,
		Action:      repository.ActionCreate,
		StatusAfter: repository.StatusDraft,
		Metadata: map[string]interface{}{
			"amount":   e.Amount.String(),
			"currency": e.Currency,
			"category": string(e.Category),
		},
		PerformedAt: now,
	}

	storeCtx, cancel := s.workflow.storeCtx(ctx)
	err := s.store.CreateExpense(storeCtx, e, audit)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("expense_id", e.ID).
		Str("owner_id", e.OwnerID).
		Str("amount", e.Amount.String()).
		Str("currency", e.Currency).
		Msg("Expense created")

	if !req.Submit {
		return e, nil, nil
	}
	return s.workflow.Submit(ctx, e.ID, e.OwnerID)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	return optional(*s)
}

// GetExpense retrieves an expense by ID.
func (s *ExpenseService) GetExpense(ctx context.Context, id string) (*repository.Expense, error) {
	return s.workflow.getExpense(ctx, id)
}

// ListExpenses returns a page of expenses and the total match count.
func (s *ExpenseService) ListExpenses(ctx context.Context, filter repository.ExpenseFilter) ([]*repository.Expense, int64, error) {
	if filter.Status != "" {
		switch filter.Status {
		case repository.StatusDraft, repository.StatusPending, repository.StatusApproved, repository.StatusRejected:
		default:
			return nil, 0, errors.InvalidInput("status", "unknown status "+string(filter.Status))
		}
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, 0, errors.InvalidInput("category", "unknown category "+string(filter.Category))
	}

	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	return s.store.ListExpenses(ctx, filter)
}

// UpdateDraft edits a draft expense without submitting it.
func (s *ExpenseService) UpdateDraft(ctx context.Context, id, actor string, patch ExpensePatch) (*repository.Expense, error) {
	if err := validateRequest(&patch); err != nil {
		return nil, err
	}
	e, err := s.workflow.getExpense(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != actor {
		return nil, errors.New(errors.ErrCodeForbidden, "only the owner can edit an expense")
	}
	if e.Status != repository.StatusDraft {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"only drafts can be edited; use resubmit for status '%s'", e.Status)
	}
	return s.workflow.edit(ctx, e, actor, patch)
}

// ResubmitExpense validates the patch and runs edit-and-resubmit.
func (s *ExpenseService) ResubmitExpense(ctx context.Context, id, actor string, patch ExpensePatch) (*repository.Expense, *repository.Checklist, error) {
	if err := validateRequest(&patch); err != nil {
		return nil, nil, err
	}
	return s.workflow.EditAndResubmit(ctx, id, actor, patch)
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// GetChecklist returns the checklist of the given round, or of the current
// round when round is 0.
func (s *ExpenseService) GetChecklist(ctx context.Context, expenseID string, round int) (*repository.Checklist, error) {
	if round == 0 {
		e, err := s.workflow.getExpense(ctx, expenseID)
		if err != nil {
			return nil, err
		}
		if e.Round == 0 {
			return nil, errors.NotFound("checklist", expenseID)
		}
		round = e.Round
	}
	return s.workflow.getChecklist(ctx, expenseID, round)
}

// PendingApprovals lists expenses on which approverID can act right now.
// Sequential plans only list the approver whose turn it is.
func (s *ExpenseService) PendingApprovals(ctx context.Context, approverID string) ([]*PendingApproval, error) {
	storeCtx, cancel := s.workflow.storeCtx(ctx)
	open, err := s.store.ListOpenChecklistsForApprover(storeCtx, approverID)
	cancel()
	if err != nil {
		return nil, err
	}

	out := make([]*PendingApproval, 0, len(open))
	for _, c := range open {
		if !contains(ActionableApprovers(c), approverID) {
			continue
		}
		e, err := s.workflow.getExpense(ctx, c.ExpenseID)
		if err != nil {
			return nil, err
		}
		if e.Status != repository.StatusPending || e.Round != c.Round {
			continue
		}
		out = append(out, &PendingApproval{Expense: e, Checklist: c})
	}
	return out, nil
}

// GetApprovalHistory returns the full audit trail for an expense.
func (s *ExpenseService) GetApprovalHistory(ctx context.Context, expenseID string) ([]*repository.AuditEntry, error) {
	if _, err := s.workflow.getExpense(ctx, expenseID); err != nil {
		return nil, err
	}
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	return s.store.ListAudit(ctx, expenseID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ── Reports ───────────────────────────────────────────────────────────────────

// CategorySummary totals approved expenses per category in the base currency.
// Expenses without a converted amount are counted in Unconverted only.
func (s *ExpenseService) CategorySummary(ctx context.Context, ownerID, from, to string) (*CategorySummary, error) {
	expenses, _, err := s.ListExpenses(ctx, repository.ExpenseFilter{
		OwnerID:  ownerID,
		Status:   repository.StatusApproved,
		FromDate: from,
		ToDate:   to,
	})
	if err != nil {
		return nil, err
	}

	summary := &CategorySummary{
		BaseCurrency: s.workflow.cfg.BaseCurrency,
		Total:        decimal.Zero,
		Categories:   make([]CategoryTotal, 0),
	}
	byCategory := make(map[repository.Category]*CategoryTotal)
	for _, e := range expenses {
		if e.ConvertedAmount == nil {
			summary.Unconverted++
			continue
		}
		row, ok := byCategory[e.Category]
		if !ok {
			row = &CategoryTotal{Category: e.Category, Total: decimal.Zero}
			byCategory[e.Category] = row
		}
		row.Count++
		row.Total = row.Total.Add(*e.ConvertedAmount)
		summary.Total = summary.Total.Add(*e.ConvertedAmount)
	}

	hundred := decimal.NewFromInt(100)
	for _, row := range byCategory {
		row.Percent = decimal.Zero
		if summary.Total.IsPositive() {
			row.Percent = row.Total.Div(summary.Total).Mul(hundred).Round(2)
		}
		summary.Categories = append(summary.Categories, *row)
	}
	sort.Slice(summary.Categories, func(i, j int) bool {
		a, b := summary.Categories[i], summary.Categories[j]
		if !a.Total.Equal(b.Total) {
			return a.Total.GreaterThan(b.Total)
		}
		return a.Category < b.Category
	})
	return summary, nil
}

// StatusSummary reports count and base-currency total of approved, rejected
// and pending expenses. Drafts are left out.
func (s *ExpenseService) StatusSummary(ctx context.Context, ownerID, from, to string) (*StatusSummary, error) {
	expenses, _, err := s.ListExpenses(ctx, repository.ExpenseFilter{
		OwnerID:  ownerID,
		FromDate: from,
		ToDate:   to,
	})
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{BaseCurrency: s.workflow.cfg.BaseCurrency}
	rows := make(map[repository.ExpenseStatus]*StatusTotal)
	for _, st := range []repository.ExpenseStatus{
		repository.StatusApproved, repository.StatusRejected, repository.StatusPending,
	} {
		rows[st] = &StatusTotal{Status: st, Total: decimal.Zero}
	}
	for _, e := range expenses {
		row, ok := rows[e.Status]
		if !ok {
			continue
		}
		row.Count++
		if e.ConvertedAmount == nil {
			summary.Unconverted++
			continue
		}
		row.Total = row.Total.Add(*e.ConvertedAmount)
	}
	summary.Statuses = []StatusTotal{
		*rows[repository.StatusApproved],
		*rows[repository.StatusRejected],
		*rows[repository.StatusPending],
	}
	return summary, nil
}

// MonthlyTrend totals approved expenses for each of the last months calendar
// months, including months with no spend.
func (s *ExpenseService) MonthlyTrend(ctx context.Context, ownerID string, months int) (*MonthlyTrend, error) {
	if months < 1 || months > maxTrendMonths {
		return nil, errors.InvalidInput("months", fmt.Sprintf("must be between 1 and %d", maxTrendMonths))
	}
	now := s.workflow.now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)

	expenses, _, err := s.ListExpenses(ctx, repository.ExpenseFilter{
		OwnerID:  ownerID,
		Status:   repository.StatusApproved,
		FromDate: first.Format(dateLayout),
		ToDate:   now.Format(dateLayout),
	})
	if err != nil {
		return nil, err
	}

	trend := &MonthlyTrend{
		BaseCurrency: s.workflow.cfg.BaseCurrency,
		Months:       make([]MonthTotal, months),
	}
	index := make(map[string]int, months)
	for i := range trend.Months {
		key := first.AddDate(0, i, 0).Format("2006-01")
		trend.Months[i] = MonthTotal{Month: key, Total: decimal.Zero}
		index[key] = i
	}
	for _, e := range expenses {
		if len(e.ExpenseDate) < 7 {
			continue
		}
		i, ok := index[e.ExpenseDate[:7]]
		if !ok {
			continue
		}
		if e.ConvertedAmount == nil {
			trend.Unconverted++
			continue
		}
		trend.Months[i].Count++
		trend.Months[i].Total = trend.Months[i].Total.Add(*e.ConvertedAmount)
	}
	return trend, nil
}

// PeriodRange turns a report period (week, month, quarter, year) into an
// inclusive from/to date range ending today.
func (s *ExpenseService) PeriodRange(period string) (string, string, error) {
	return periodRange(period, s.workflow.now())
}

func periodRange(period string, now time.Time) (string, string, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var start time.Time
	switch strings.ToLower(period) {
	case "week":
		start = day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case "month":
		start = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "quarter":
		q := (int(day.Month())-1)/3*3 + 1
		start = time.Date(day.Year(), time.Month(q), 1, 0, 0, 0, 0, time.UTC)
	case "year":
		start = time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return "", "", errors.InvalidInput("period", "must be week, month, quarter or year")
	}
	return start.Format(dateLayout), day.Format(dateLayout), nil
}

// ── Approval rules ────────────────────────────────────────────────────────────

// AuthorizeRuleAdmin checks that actor holds the directory role allowed to
// administer approval rules.
func (s *ExpenseService) AuthorizeRuleAdmin(ctx context.Context, actor string) error {
	role := s.workflow.cfg.AdminRole
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	holders, err := s.directory.UsersWithRole(ctx, role)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreUnavailable, "org directory lookup failed")
	}
	if !contains(holders, actor) {
		return errors.Newf(errors.ErrCodeForbidden, "approval rule administration requires role %s", role)
	}
	return nil
}

// CreateRule validates and stores a new approval rule.
func (s *ExpenseService) CreateRule(ctx context.Context, rule *repository.ApprovalRule) (*repository.ApprovalRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.log.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Msg("Approval rule created")
	return rule, nil
}

// GetRule retrieves an approval rule.
func (s *ExpenseService) GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	return s.rules.GetRule(ctx, id)
}

// ListRules returns approval rules, optionally only active ones.
func (s *ExpenseService) ListRules(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error) {
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	return s.rules.ListRules(ctx, activeOnly)
}

// UpdateRule replaces an approval rule. Pending checklists keep the plan they
// were built with.
func (s *ExpenseService) UpdateRule(ctx context.Context, rule *repository.ApprovalRule) (*repository.ApprovalRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.log.Info().Str("rule_id", rule.ID).Msg("Approval rule updated")
	return rule, nil
}

// DeleteRule removes an approval rule.
func (s *ExpenseService) DeleteRule(ctx context.Context, id string) error {
	ctx, cancel := s.workflow.storeCtx(ctx)
	defer cancel()
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("rule_id", id).Msg("Approval rule deleted")
	return nil
}

// SeedRules creates the given rules unless a rule with the same ID exists.
// It returns how many were created.
func (s *ExpenseService) SeedRules(ctx context.Context, rules []*repository.ApprovalRule) (int, error) {
	created := 0
	for _, rule := range rules {
		if rule.ID == "" {
			return created, errors.InvalidInput("id", "seeded rules need a stable id")
		}
		if _, err := s.GetRule(ctx, rule.ID); err == nil {
			continue
		} else if !errors.Is(err, errors.ErrCodeNotFound) {
			return created, err
		}
		if _, err := s.CreateRule(ctx, rule); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
