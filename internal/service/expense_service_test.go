package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

func TestCreateExpense(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &repository.ApprovalRule{
		ID: "default", Name: "Default", IsActive: true,
		Approvers: users("a"), Combinator: anyOf,
	})
	h.dir.units["alice"] = "sales"

	t.Run("draft with conversion", func(t *testing.T) {
		e, c, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID:     "alice",
			Amount:      decimal.RequireFromString("12.50"),
			Currency:    "usd",
			Category:    repository.CategoryMeals,
			Merchant:    "  Diner ",
			ExpenseDate: "2026-04-01",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if c != nil || e.Status != repository.StatusDraft || e.Version != 1 {
			t.Fatalf("created = %+v, checklist %v", e, c)
		}
		if e.Currency != "USD" || e.Merchant != "Diner" || e.OrgUnit != "sales" {
			t.Fatalf("normalisation: %+v", e)
		}
		if e.ConvertedAmount == nil || !e.ConvertedAmount.Equal(decimal.NewFromInt(1000)) || e.BaseCurrency != "INR" {
			t.Fatalf("converted = %v %s", e.ConvertedAmount, e.BaseCurrency)
		}
	})

	t.Run("submit on create", func(t *testing.T) {
		e, c, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID:     "alice",
			Amount:      decimal.NewFromInt(300),
			Currency:    "INR",
			Category:    repository.CategoryOffice,
			Merchant:    "Stationers",
			ExpenseDate: "2026-04-02",
			Submit:      true,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if e.Status != repository.StatusPending || c == nil || c.Round != 1 {
			t.Fatalf("created = %+v, checklist %+v", e, c)
		}
	})

	t.Run("unknown currency keeps amount unconverted", func(t *testing.T) {
		e, _, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID:     "alice",
			Amount:      decimal.NewFromInt(10),
			Currency:    "EUR",
			Category:    repository.CategoryOther,
			Merchant:    "Kiosk",
			ExpenseDate: "2026-04-03",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if e.ConvertedAmount != nil {
			t.Fatalf("converted = %v, want nil", e.ConvertedAmount)
		}
	})

	invalid := []struct {
		name  string
		req   CreateExpenseRequest
		field string
	}{
		{"zero amount", CreateExpenseRequest{OwnerID: "alice", Currency: "INR", Category: "travel", Merchant: "x", ExpenseDate: "2026-04-01"}, "amount"},
		{"bad currency", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "RUPEE", Category: "travel", Merchant: "x", ExpenseDate: "2026-04-01"}, "currency"},
		{"unknown iso code", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "QQQ", Category: "travel", Merchant: "x", ExpenseDate: "2026-04-01"}, "currency"},
		{"bad category", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "INR", Category: "yachts", Merchant: "x", ExpenseDate: "2026-04-01"}, "category"},
		{"missing merchant", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "INR", Category: "travel", ExpenseDate: "2026-04-01"}, "merchant"},
		{"bad date", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "INR", Category: "travel", Merchant: "x", ExpenseDate: "01/04/2026"}, "expense_date"},
		{"bad payment method", CreateExpenseRequest{OwnerID: "alice", Amount: decimal.NewFromInt(1), Currency: "INR", Category: "travel", Merchant: "x", ExpenseDate: "2026-04-01", PaymentMethod: str("crypto")}, "payment_method"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, _, err := h.expenses.CreateExpense(ctx, &req)
			var appErr *errors.Error
			if !errors.As(err, &appErr) || appErr.Code != errors.ErrCodeInvalidInput {
				t.Fatalf("error = %v, want INVALID_INPUT", err)
			}
			if appErr.Field != tt.field {
				t.Fatalf("field = %q, want %q", appErr.Field, tt.field)
			}
		})
	}
}

func TestUpdateDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, travelRule(users("a")...))
	e := h.draft(t, "alice", "100", repository.CategoryTravel)

	usd := "USD"
	updated, err := h.expenses.UpdateDraft(ctx, e.ID, "alice", ExpensePatch{Currency: &usd})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || !updated.ConvertedAmount.Equal(decimal.NewFromInt(8000)) {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := h.expenses.UpdateDraft(ctx, e.ID, "bob", ExpensePatch{Currency: &usd}); !errors.Is(err, errors.ErrCodeForbidden) {
		t.Fatalf("non-owner: %v", err)
	}
	bad := "cheque"
	if _, err := h.expenses.UpdateDraft(ctx, e.ID, "alice", ExpensePatch{PaymentMethod: &bad}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bad patch: %v", err)
	}

	if _, _, err := h.workflow.Submit(ctx, e.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.expenses.UpdateDraft(ctx, e.ID, "alice", ExpensePatch{Currency: &usd}); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Fatalf("update pending: %v", err)
	}
}

func TestListExpensesValidatesFilter(t *testing.T) {
	h := newHarness(t)
	h.draft(t, "alice", "10", repository.CategoryMeals)

	if _, _, err := h.expenses.ListExpenses(context.Background(), repository.ExpenseFilter{Status: "archived"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	if _, _, err := h.expenses.ListExpenses(context.Background(), repository.ExpenseFilter{Category: "boats"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bad category: %v", err)
	}
	list, total, err := h.expenses.ListExpenses(context.Background(), repository.ExpenseFilter{OwnerID: "alice"})
	if err != nil || total != 1 || len(list) != 1 {
		t.Fatalf("list = %d/%d, %v", len(list), total, err)
	}
}

func TestGetChecklistCurrentRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, travelRule(users("a")...))
	e := h.draft(t, "alice", "100", repository.CategoryTravel)

	if _, err := h.expenses.GetChecklist(ctx, e.ID, 0); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("draft checklist: %v", err)
	}
	if _, _, err := h.workflow.Submit(ctx, e.ID, "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err := h.expenses.GetChecklist(ctx, e.ID, 0)
	if err != nil || c.Round != 1 {
		t.Fatalf("checklist = %+v, %v", c, err)
	}
}

func TestPendingApprovalsFollowTurns(t *testing.T) {
	ctx := context.Background()
	r := travelRule(users("a", "b")...)
	r.Sequential = true
	h := newHarness(t, r)
	e, _ := h.submitted(t, "alice", "100", repository.CategoryTravel)

	pending := func(id string) int {
		t.Helper()
		list, err := h.expenses.PendingApprovals(ctx, id)
		if err != nil {
			t.Fatalf("pending for %s: %v", id, err)
		}
		return len(list)
	}

	if pending("a") != 1 || pending("b") != 0 {
		t.Fatalf("before: a=%d b=%d", pending("a"), pending("b"))
	}
	if _, err := h.workflow.Decide(ctx, e.ID, "a", repository.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if pending("a") != 0 || pending("b") != 1 {
		t.Fatalf("after: a=%d b=%d", pending("a"), pending("b"))
	}
	if _, err := h.workflow.Decide(ctx, e.ID, "b", repository.DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if pending("b") != 0 {
		t.Fatal("approved expense still pending")
	}
}

func TestCategorySummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &repository.ApprovalRule{
		ID: "default", Name: "Default", IsActive: true,
		Approvers: users("a"), Combinator: anyOf,
	})

	approve := func(amount, cur string, cat repository.Category) {
		t.Helper()
		e, _, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID: "alice", Amount: decimal.RequireFromString(amount), Currency: cur,
			Category: cat, Merchant: "m", ExpenseDate: "2026-05-01", Submit: true,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := h.workflow.Decide(ctx, e.ID, "a", repository.DecisionApproved, ""); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	approve("100", "INR", repository.CategoryTravel)
	approve("50", "USD", repository.CategoryMeals)
	approve("5", "EUR", repository.CategoryMeals)
	h.draft(t, "alice", "999", repository.CategoryTravel)

	sum, err := h.expenses.CategorySummary(ctx, "alice", "2026-01-01", "2026-12-31")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.Total.Equal(decimal.NewFromInt(4100)) || sum.Unconverted != 1 || sum.BaseCurrency != "INR" {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Categories) != 2 {
		t.Fatalf("categories = %+v", sum.Categories)
	}
	meals, travel := sum.Categories[0], sum.Categories[1]
	if meals.Category != repository.CategoryMeals || !meals.Percent.Equal(decimal.RequireFromString("97.56")) {
		t.Fatalf("meals = %+v", meals)
	}
	if travel.Count != 1 || !travel.Percent.Equal(decimal.RequireFromString("2.44")) {
		t.Fatalf("travel = %+v", travel)
	}
}

func TestRuleAdministration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	seeds := []*repository.ApprovalRule{
		travelRule(users("a")...),
		{ID: "default", Name: "Default", IsActive: true, Approvers: users("b"), Combinator: allOf},
	}
	n, err := h.expenses.SeedRules(ctx, seeds)
	if err != nil || n != 2 {
		t.Fatalf("first seed = %d, %v", n, err)
	}
	n, err = h.expenses.SeedRules(ctx, []*repository.ApprovalRule{travelRule(users("a")...)})
	if err != nil || n != 0 {
		t.Fatalf("second seed = %d, %v", n, err)
	}
	if _, err := h.expenses.SeedRules(ctx, []*repository.ApprovalRule{{Name: "no id"}}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("seed without id: %v", err)
	}

	if _, err := h.expenses.CreateRule(ctx, travelRule(users("a")...)); !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("duplicate rule: %v", err)
	}

	rule, err := h.expenses.GetRule(ctx, "travel")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rule.IsActive = false
	if _, err := h.expenses.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, _ := h.expenses.ListRules(ctx, true)
	if len(active) != 1 || active[0].ID != "default" {
		t.Fatalf("active rules = %+v", active)
	}

	if err := h.expenses.DeleteRule(ctx, "travel"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.expenses.DeleteRule(ctx, "travel"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestGetApprovalHistoryUnknownExpense(t *testing.T) {
	h := newHarness(t)
	if _, err := h.expenses.GetApprovalHistory(context.Background(), "nope"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("error = %v", err)
	}
}

func TestStatusSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &repository.ApprovalRule{
		ID: "default", Name: "Default", IsActive: true,
		Approvers: users("a"), Combinator: anyOf,
	})

	create := func(amount, cur string) *repository.Expense {
		t.Helper()
		e, _, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID: "alice", Amount: decimal.RequireFromString(amount), Currency: cur,
			Category: repository.CategoryMeals, Merchant: "m", ExpenseDate: "2026-05-01", Submit: true,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return e
	}
	ok := create("100", "INR")
	no := create("2", "USD")
	create("40", "INR")
	create("7", "EUR")
	h.draft(t, "alice", "999", repository.CategoryMeals)

	if _, err := h.workflow.Decide(ctx, ok.ID, "a", repository.DecisionApproved, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.workflow.Decide(ctx, no.ID, "a", repository.DecisionRejected, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	sum, err := h.expenses.StatusSummary(ctx, "alice", "2026-05-01", "2026-05-31")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	want := []struct {
		status repository.ExpenseStatus
		count  int
		total  string
	}{
		{repository.StatusApproved, 1, "100"},
		{repository.StatusRejected, 1, "160"},
		{repository.StatusPending, 2, "40"},
	}
	if len(sum.Statuses) != len(want) || sum.Unconverted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	for i, w := range want {
		got := sum.Statuses[i]
		if got.Status != w.status || got.Count != w.count || !got.Total.Equal(decimal.RequireFromString(w.total)) {
			t.Fatalf("row %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestMonthlyTrend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &repository.ApprovalRule{
		ID: "default", Name: "Default", IsActive: true,
		Approvers: users("a"), Combinator: anyOf,
	})
	h.workflow.now = func() time.Time { return time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC) }

	approve := func(amount, cur, date string) {
		t.Helper()
		e, _, err := h.expenses.CreateExpense(ctx, &CreateExpenseRequest{
			OwnerID: "alice", Amount: decimal.RequireFromString(amount), Currency: cur,
			Category: repository.CategoryTravel, Merchant: "m", ExpenseDate: date, Submit: true,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := h.workflow.Decide(ctx, e.ID, "a", repository.DecisionApproved, ""); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	approve("10", "USD", "2026-04-10")
	approve("5", "EUR", "2026-05-02")
	approve("100", "INR", "2026-06-01")
	approve("50", "INR", "2026-06-14")
	approve("70", "INR", "2026-01-05")

	trend, err := h.expenses.MonthlyTrend(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	want := []MonthTotal{
		{Month: "2026-04", Count: 1, Total: decimal.NewFromInt(800)},
		{Month: "2026-05", Count: 0, Total: decimal.Zero},
		{Month: "2026-06", Count: 2, Total: decimal.NewFromInt(150)},
	}
	if len(trend.Months) != len(want) || trend.Unconverted != 1 {
		t.Fatalf("trend = %+v", trend)
	}
	for i, w := range want {
		got := trend.Months[i]
		if got.Month != w.Month || got.Count != w.Count || !got.Total.Equal(w.Total) {
			t.Fatalf("month %d = %+v, want %+v", i, got, w)
		}
	}

	for _, n := range []int{0, maxTrendMonths + 1} {
		if _, err := h.expenses.MonthlyTrend(ctx, "alice", n); !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Fatalf("months=%d: %v", n, err)
		}
	}
}

func TestPeriodRange(t *testing.T) {
	now := time.Date(2026, 8, 13, 18, 30, 0, 0, time.UTC) // Thursday
	tests := []struct {
		period, from string
	}{
		{"week", "2026-08-10"},
		{"month", "2026-08-01"},
		{"Quarter", "2026-07-01"},
		{"year", "2026-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			from, to, err := periodRange(tt.period, now)
			if err != nil {
				t.Fatalf("period: %v", err)
			}
			if from != tt.from || to != "2026-08-13" {
				t.Fatalf("range = %s..%s, want %s..2026-08-13", from, to, tt.from)
			}
		})
	}
	if _, _, err := periodRange("decade", now); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("unknown period: %v", err)
	}
}

func TestAuthorizeRuleAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dir.roles["ADMIN"] = []string{"root"}

	if err := h.expenses.AuthorizeRuleAdmin(ctx, "root"); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := h.expenses.AuthorizeRuleAdmin(ctx, "alice"); !errors.Is(err, errors.ErrCodeForbidden) {
		t.Fatalf("alice: %v", err)
	}
}
