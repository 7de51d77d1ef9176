package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

// InMemoryStore implements Store and RuleStore in process memory. It backs
// tests and the "memory" database driver.
type InMemoryStore struct {
	mu sync.Mutex

	expenses   map[string]*Expense
	checklists map[checklistKey]*Checklist
	audit      map[string][]*AuditEntry
	rules      map[string]*ApprovalRule
}

type checklistKey struct {
	expenseID string
	round     int
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		expenses:   make(map[string]*Expense),
		checklists: make(map[checklistKey]*Checklist),
		audit:      make(map[string][]*AuditEntry),
		rules:      make(map[string]*ApprovalRule),
	}
}

func (s *InMemoryStore) CreateExpense(ctx context.Context, expense *Expense, audit *AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expenses[expense.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "expense %q already exists", expense.ID)
	}
	expense.Version = 1
	s.expenses[expense.ID] = expense.Clone()
	if audit != nil {
		s.appendAuditLocked(audit)
	}
	return nil
}

func (s *InMemoryStore) GetExpense(ctx context.Context, id string) (*Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.expenses[id]
	if !ok {
		return nil, errors.NotFound("expense", id)
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]*Expense, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Expense, 0)
	for _, e := range s.expenses {
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.FromDate != "" && e.ExpenseDate < filter.FromDate {
			continue
		}
		if filter.ToDate != "" && e.ExpenseDate > filter.ToDate {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ExpenseDate != matched[j].ExpenseDate {
			return matched[i].ExpenseDate > matched[j].ExpenseDate
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start, end := pageBounds(filter.Page, filter.PageSize, len(matched))
	out := make([]*Expense, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, e.Clone())
	}
	return out, total, nil
}

func (s *InMemoryStore) GetChecklist(ctx context.Context, expenseID string, round int) (*Checklist, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checklists[checklistKey{expenseID, round}]
	if !ok {
		return nil, errors.NotFound("checklist", expenseID)
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) ListOpenChecklistsForApprover(ctx context.Context, approverID string) ([]*Checklist, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Checklist, 0)
	for _, c := range s.checklists {
		if c.ArchivedAt != nil {
			continue
		}
		if e := c.Entry(approverID); e != nil && e.Decision == DecisionUndecided {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Commit(ctx context.Context, t *Transition) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.expenses[t.Expense.ID]
	if !ok {
		return errors.NotFound("expense", t.Expense.ID)
	}
	if current.Version != t.ExpectedVersion {
		return errors.VersionConflict("expense", t.Expense.ID)
	}

	t.Expense.Version = t.ExpectedVersion + 1
	s.expenses[t.Expense.ID] = t.Expense.Clone()
	if t.Checklist != nil {
		s.checklists[checklistKey{t.Checklist.ExpenseID, t.Checklist.Round}] = t.Checklist.Clone()
	}
	for _, a := range t.Audit {
		s.appendAuditLocked(a)
	}
	return nil
}

func (s *InMemoryStore) ListAudit(ctx context.Context, expenseID string) ([]*AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.audit[expenseID]
	out := make([]*AuditEntry, len(entries))
	for i, a := range entries {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	return nil
}

func (s *InMemoryStore) appendAuditLocked(a *AuditEntry) {
	if a.PerformedAt.IsZero() {
		a.PerformedAt = time.Now().UTC()
	}
	c := *a
	s.audit[a.ExpenseID] = append(s.audit[a.ExpenseID], &c)
}

// ── rules ─────────────────────────────────────────────────────────────────────

func (s *InMemoryStore) CreateRule(ctx context.Context, rule *ApprovalRule) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "approval rule %q already exists", rule.ID)
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryStore) GetRule(ctx context.Context, id string) (*ApprovalRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ApprovalRule, 0, len(s.rules))
	for _, r := range s.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) UpdateRule(ctx context.Context, rule *ApprovalRule) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return errors.NotFound("approval_rule", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryStore) DeleteRule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return errors.NotFound("approval_rule", id)
	}
	delete(s.rules, id)
	return nil
}

// pageBounds converts 1-based page/pageSize into slice bounds over n items.
// A non-positive pageSize returns everything.
func pageBounds(page, pageSize, n int) (int, int) {
	if pageSize <= 0 {
		return 0, n
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > n {
		start = n
	}
	end := start + pageSize
	if end > n {
		end = n
	}
	return start, end
}
