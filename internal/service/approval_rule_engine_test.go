package service

import (
	"context"
	"testing"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

func rule(id string, scope repository.RuleScope, approvers ...repository.ApproverSpec) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:         id,
		Name:       id,
		IsActive:   true,
		Scope:      scope,
		Approvers:  approvers,
		Combinator: repository.Combinator{Kind: repository.CombinatorAll},
	}
}

func expense(amount string, category repository.Category, unit string) *repository.Expense {
	return &repository.Expense{
		ID:              "e-1",
		OwnerID:         "owner",
		OrgUnit:         unit,
		Amount:          *dec(amount),
		Currency:        "INR",
		ConvertedAmount: dec(amount),
		Category:        category,
	}
}

func TestMatchSpecificityOrder(t *testing.T) {
	eng := NewApprovalRuleEngine(newFakeDirectory(), "", logger.Nop())
	travel := []repository.Category{repository.CategoryTravel}

	catAmt := rule("cat+amt", repository.RuleScope{Categories: travel, MinAmount: dec("1000")}, repository.ApproverSpec{User: "x"})
	cat := rule("cat", repository.RuleScope{Categories: travel}, repository.ApproverSpec{User: "x"})
	amt := rule("amt", repository.RuleScope{MinAmount: dec("1000")}, repository.ApproverSpec{User: "x"})
	org := rule("org", repository.RuleScope{OrgUnit: str("sales")}, repository.ApproverSpec{User: "x"})
	def := rule("default", repository.RuleScope{}, repository.ApproverSpec{User: "x"})

	tests := []struct {
		name  string
		rules []*repository.ApprovalRule
		want  string
	}{
		{"category+amount beats everything", []*repository.ApprovalRule{def, org, amt, cat, catAmt}, "cat+amt"},
		{"category beats amount", []*repository.ApprovalRule{amt, org, def, cat}, "cat"},
		{"amount beats org unit", []*repository.ApprovalRule{org, amt, def}, "amt"},
		{"org unit beats default", []*repository.ApprovalRule{def, org}, "org"},
		{"default alone", []*repository.ApprovalRule{def}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Match(tt.rules, expense("2500", repository.CategoryTravel, "sales"))
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if got.ID != tt.want {
				t.Fatalf("matched %s, want %s", got.ID, tt.want)
			}

			reversed := make([]*repository.ApprovalRule, len(tt.rules))
			for i, r := range tt.rules {
				reversed[len(tt.rules)-1-i] = r
			}
			again, err := eng.Match(reversed, expense("2500", repository.CategoryTravel, "sales"))
			if err != nil || again.ID != tt.want {
				t.Fatalf("order dependent: got %v, %v", again, err)
			}
		})
	}
}

func TestMatchCriteria(t *testing.T) {
	eng := NewApprovalRuleEngine(newFakeDirectory(), "", logger.Nop())
	band := rule("band", repository.RuleScope{MinAmount: dec("1000"), MaxAmount: dec("5000")}, repository.ApproverSpec{User: "x"})

	tests := []struct {
		name    string
		expense *repository.Expense
		match   bool
	}{
		{"inside band", expense("2500", repository.CategoryMeals, ""), true},
		{"min is inclusive", expense("1000", repository.CategoryMeals, ""), true},
		{"max is exclusive", expense("5000", repository.CategoryMeals, ""), false},
		{"below band", expense("999.99", repository.CategoryMeals, ""), false},
		{"no converted amount", func() *repository.Expense {
			e := expense("2500", repository.CategoryMeals, "")
			e.ConvertedAmount = nil
			return e
		}(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Match([]*repository.ApprovalRule{band}, tt.expense)
			if tt.match && err != nil {
				t.Fatalf("expected match, got %v", err)
			}
			if !tt.match && !errors.Is(err, errors.ErrCodeNoMatchingRule) {
				t.Fatalf("expected NO_MATCHING_RULE, got %v", err)
			}
		})
	}

	inactive := rule("inactive", repository.RuleScope{}, repository.ApproverSpec{User: "x"})
	inactive.IsActive = false
	if _, err := eng.Match([]*repository.ApprovalRule{inactive}, expense("1", repository.CategoryOther, "")); !errors.Is(err, errors.ErrCodeNoMatchingRule) {
		t.Fatalf("inactive rule matched: %v", err)
	}
}

func TestMatchAmbiguous(t *testing.T) {
	eng := NewApprovalRuleEngine(newFakeDirectory(), "", logger.Nop())
	travel := []repository.Category{repository.CategoryTravel}
	a := rule("travel-a", repository.RuleScope{Categories: travel}, repository.ApproverSpec{User: "x"})
	b := rule("travel-b", repository.RuleScope{Categories: []repository.Category{repository.CategoryTravel, repository.CategoryMeals}}, repository.ApproverSpec{User: "y"})
	lower := rule("org", repository.RuleScope{OrgUnit: str("sales")}, repository.ApproverSpec{User: "z"})

	for _, rules := range [][]*repository.ApprovalRule{{a, b, lower}, {lower, b, a}} {
		_, err := eng.Match(rules, expense("10", repository.CategoryTravel, "sales"))
		if !errors.Is(err, errors.ErrCodeAmbiguousRule) {
			t.Fatalf("expected AMBIGUOUS_RULE, got %v", err)
		}
	}

	_, err := eng.Resolve(context.Background(), []*repository.ApprovalRule{a, b}, expense("10", repository.CategoryTravel, ""))
	if !errors.Is(err, errors.ErrCodeAmbiguousRule) {
		t.Fatalf("Resolve swallowed ambiguity: %v", err)
	}
}

func TestResolveApprovers(t *testing.T) {
	dir := newFakeDirectory()
	dir.managers["owner"] = "mgr"
	dir.managers["mgr"] = "director"
	dir.roles["AUDITOR"] = []string{"aud-1", "owner", "aud-2"}
	eng := NewApprovalRuleEngine(dir, "", logger.Nop())

	r := rule("r", repository.RuleScope{},
		repository.ApproverSpec{ManagerLevel: 1},
		repository.ApproverSpec{Role: "AUDITOR"},
		repository.ApproverSpec{User: "mgr"},
		repository.ApproverSpec{ManagerLevel: 2},
	)
	r.Sequential = true
	r.OverrideApprover = &repository.ApproverSpec{User: "cfo"}

	plan, err := eng.Resolve(context.Background(), []*repository.ApprovalRule{r}, expense("10", repository.CategoryOther, ""))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"mgr", "aud-1", "aud-2", "director"}
	if !equalIDs(plan.Approvers, want) {
		t.Fatalf("approvers = %v, want %v", plan.Approvers, want)
	}
	if plan.Kind != repository.PlanWithOverride || plan.OverrideApprover != "cfo" {
		t.Fatalf("override = %s/%q", plan.Kind, plan.OverrideApprover)
	}
	if plan.RuleID == nil || *plan.RuleID != "r" || !plan.Sequential {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestResolveDefaultPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("direct manager", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.managers["owner"] = "mgr"
		dir.managers["mgr"] = "vp"
		plan, err := NewApprovalRuleEngine(dir, "", logger.Nop()).Resolve(ctx, nil, expense("10", repository.CategoryOther, ""))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !equalIDs(plan.Approvers, []string{"mgr"}) || plan.Combinator.Kind != repository.CombinatorAll || plan.RuleID != nil {
			t.Fatalf("plan = %+v", plan)
		}
	})

	t.Run("no manager uses fallback role", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.roles[DefaultFallbackRole] = []string{"fin-1", "fin-2"}
		plan, err := NewApprovalRuleEngine(dir, "", logger.Nop()).Resolve(ctx, nil, expense("10", repository.CategoryOther, ""))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !equalIDs(plan.Approvers, []string{"fin-1", "fin-2"}) || plan.Combinator.Kind != repository.CombinatorAny {
			t.Fatalf("plan = %+v", plan)
		}
	})

	t.Run("directory failure uses fallback role", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.fail = true
		dir.roles["CONTROLLER"] = []string{"ctl"}
		plan, err := NewApprovalRuleEngine(dir, "CONTROLLER", logger.Nop()).Resolve(ctx, nil, expense("10", repository.CategoryOther, ""))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !equalIDs(plan.Approvers, []string{"ctl"}) {
			t.Fatalf("approvers = %v", plan.Approvers)
		}
	})

	t.Run("nobody to approve", func(t *testing.T) {
		_, err := NewApprovalRuleEngine(newFakeDirectory(), "", logger.Nop()).Resolve(ctx, nil, expense("10", repository.CategoryOther, ""))
		if !errors.Is(err, errors.ErrCodeNoApprover) {
			t.Fatalf("error = %v, want NO_APPROVER", err)
		}
	})

	t.Run("unresolvable rule falls through", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.managers["owner"] = "mgr"
		r := rule("skip-level", repository.RuleScope{}, repository.ApproverSpec{ManagerLevel: 3})
		plan, err := NewApprovalRuleEngine(dir, "", logger.Nop()).Resolve(ctx, []*repository.ApprovalRule{r}, expense("10", repository.CategoryOther, ""))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if plan.RuleID != nil || !equalIDs(plan.Approvers, []string{"mgr"}) {
			t.Fatalf("plan = %+v", plan)
		}
	})

	t.Run("owner-only rule falls through", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.managers["owner"] = "mgr"
		r := rule("self", repository.RuleScope{}, repository.ApproverSpec{User: "owner"})
		plan, err := NewApprovalRuleEngine(dir, "", logger.Nop()).Resolve(ctx, []*repository.ApprovalRule{r}, expense("10", repository.CategoryOther, ""))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !equalIDs(plan.Approvers, []string{"mgr"}) {
			t.Fatalf("approvers = %v", plan.Approvers)
		}
	})
}
