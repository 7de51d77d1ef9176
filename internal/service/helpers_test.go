package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// fakeDirectory is an in-memory org chart.
type fakeDirectory struct {
	managers map[string]string
	units    map[string]string
	roles    map[string][]string
	fail     bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		managers: map[string]string{},
		units:    map[string]string{},
		roles:    map[string][]string{},
	}
}

func (d *fakeDirectory) ManagerChainOf(_ context.Context, userID string) ([]string, error) {
	if d.fail {
		return nil, fmt.Errorf("directory down")
	}
	var chain []string
	for cur := d.managers[userID]; cur != ""; cur = d.managers[cur] {
		chain = append(chain, cur)
		if len(chain) > 10 {
			break
		}
	}
	return chain, nil
}

func (d *fakeDirectory) OrgUnitOf(_ context.Context, userID string) (string, error) {
	if d.fail {
		return "", fmt.Errorf("directory down")
	}
	return d.units[userID], nil
}

func (d *fakeDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return d.roles[role], nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Kind      string
	ExpenseID string
	Payload   map[string]interface{}
}

func (p *recordingPublisher) Publish(_ context.Context, kind, expenseID string, payload map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Kind: kind, ExpenseID: expenseID, Payload: payload})
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(kind string) *publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			e := p.events[i]
			return &e
		}
	}
	return nil
}

// identityConverter treats INR as base and USD at a fixed 80.
type identityConverter struct{}

func (identityConverter) Convert(_ context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	switch from {
	case "INR":
		return amount, nil
	case "USD":
		return amount.Mul(decimal.NewFromInt(80)), nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s", from)
}

type harness struct {
	store    *repository.InMemoryStore
	dir      *fakeDirectory
	events   *recordingPublisher
	workflow *ExpenseWorkflowService
	expenses *ExpenseService
}

func newHarness(t *testing.T, rules ...*repository.ApprovalRule) *harness {
	t.Helper()
	store := repository.NewInMemoryStore()
	dir := newFakeDirectory()
	events := &recordingPublisher{}
	log := logger.Nop()

	engine := NewApprovalRuleEngine(dir, "", log)
	wf := NewExpenseWorkflowService(store, store, engine, identityConverter{}, events,
		WorkflowConfig{StoreTimeout: time.Second, BaseCurrency: "INR"}, log)
	svc := NewExpenseService(store, store, wf, dir, log)

	for _, r := range rules {
		if _, err := svc.CreateRule(context.Background(), r); err != nil {
			t.Fatalf("create rule %s: %v", r.ID, err)
		}
	}
	return &harness{store: store, dir: dir, events: events, workflow: wf, expenses: svc}
}

func (h *harness) draft(t *testing.T, owner string, amount string, category repository.Category) *repository.Expense {
	t.Helper()
	e, _, err := h.expenses.CreateExpense(context.Background(), &CreateExpenseRequest{
		OwnerID:     owner,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "INR",
		Category:    category,
		Merchant:    "Acme",
		ExpenseDate: "2026-03-10",
	})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	return e
}

func (h *harness) submitted(t *testing.T, owner string, amount string, category repository.Category) (*repository.Expense, *repository.Checklist) {
	t.Helper()
	e := h.draft(t, owner, amount, category)
	e, c, err := h.workflow.Submit(context.Background(), e.ID, owner)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return e, c
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func str(s string) *string { return &s }

func users(ids ...string) []repository.ApproverSpec {
	out := make([]repository.ApproverSpec, len(ids))
	for i, id := range ids {
		out[i] = repository.ApproverSpec{User: id}
	}
	return out
}

func approverIDs(c *repository.Checklist) []string {
	var ids []string
	for _, e := range c.Entries {
		ids = append(ids, e.ApproverID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
