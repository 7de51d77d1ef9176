package service

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// ApprovalPlan is the resolved, expense-specific instance of a rule: concrete
// approver identities plus the pass condition. Kind tags the variant;
// OverrideApprover is only set for PlanWithOverride.
type ApprovalPlan struct {
	Kind             repository.PlanKind
	OverrideApprover string
	Approvers        []string
	Sequential       bool
	Combinator       repository.Combinator
	RuleID           *string
}

// Checklist instantiates the plan for one submission round. Standard approvers
// keep plan order; an override approver who is not also a standard approver
// gets a trailing override-only entry.
func (p *ApprovalPlan) Checklist(expenseID string, round int, now time.Time) *repository.Checklist {
	c := &repository.Checklist{
		ExpenseID:  expenseID,
		Round:      round,
		RuleID:     p.RuleID,
		Kind:       p.Kind,
		Sequential: p.Sequential,
		Combinator: p.Combinator,
		Entries:    make([]repository.ChecklistEntry, 0, len(p.Approvers)+1),
		Outcome:    repository.DecisionUndecided,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, id := range p.Approvers {
		c.Entries = append(c.Entries, repository.ChecklistEntry{
			ApproverID: id,
			Position:   i,
			Role:       repository.EntryStandard,
			Decision:   repository.DecisionUndecided,
		})
	}
	if p.Kind == repository.PlanWithOverride {
		override := p.OverrideApprover
		c.OverrideApprover = &override
		if c.Entry(override) == nil {
			c.Entries = append(c.Entries, repository.ChecklistEntry{
				ApproverID: override,
				Position:   len(p.Approvers),
				Role:       repository.EntryOverride,
				Decision:   repository.DecisionUndecided,
			})
		}
	}
	return c
}

// requiredApprovals is the number of standard approvals that satisfy the
// combinator over voters entries.
func requiredApprovals(cmb repository.Combinator, voters int) int {
	if voters == 0 {
		return 0
	}
	need := voters
	switch cmb.Kind {
	case repository.CombinatorAny:
		need = 1
	case repository.CombinatorPercentage:
		need = int(cmb.Threshold.Mul(decimal.NewFromInt(int64(voters))).Ceil().IntPart())
	}
	if need < 1 {
		need = 1
	}
	if need > voters {
		need = voters
	}
	return need
}

// Evaluate returns the checklist's outcome given the decisions recorded so
// far. It is eager: Rejected is returned as soon as the combinator can no
// longer be satisfied.
func Evaluate(c *repository.Checklist) repository.Decision {
	if overrideApproved(c) {
		return repository.DecisionApproved
	}

	var voters, approved, rejected int
	for _, e := range c.Entries {
		if e.Role != repository.EntryStandard {
			continue
		}
		voters++
		switch e.Decision {
		case repository.DecisionApproved:
			approved++
		case repository.DecisionRejected:
			rejected++
		}
	}
	if voters == 0 {
		return repository.DecisionUndecided
	}
	if c.Sequential && rejected > 0 {
		return repository.DecisionRejected
	}

	need := requiredApprovals(c.Combinator, voters)
	switch {
	case approved >= need:
		return repository.DecisionApproved
	case voters-rejected < need:
		return repository.DecisionRejected
	}
	return repository.DecisionUndecided
}

func overrideApproved(c *repository.Checklist) bool {
	if c.Kind != repository.PlanWithOverride || c.OverrideApprover == nil {
		return false
	}
	e := c.Entry(*c.OverrideApprover)
	return e != nil && e.Decision == repository.DecisionApproved
}

// CurrentTurn returns the standard approver who must decide next in a
// sequential checklist, or "" when the checklist is parallel or exhausted.
func CurrentTurn(c *repository.Checklist) string {
	if !c.Sequential {
		return ""
	}
	for _, e := range byPosition(c.Entries) {
		if e.Role == repository.EntryStandard && e.Decision == repository.DecisionUndecided {
			return e.ApproverID
		}
	}
	return ""
}

// ActionableApprovers lists who may decide right now: the approver whose turn
// it is (or every undecided standard approver when parallel) and an undecided
// override approver.
func ActionableApprovers(c *repository.Checklist) []string {
	if c.Outcome != "" && c.Outcome != repository.DecisionUndecided {
		return nil
	}
	turn := CurrentTurn(c)
	out := make([]string, 0, len(c.Entries))
	for _, e := range byPosition(c.Entries) {
		if e.Decision != repository.DecisionUndecided {
			continue
		}
		switch {
		case isOverrideIdentity(c, e.ApproverID):
			out = append(out, e.ApproverID)
		case e.Role == repository.EntryStandard && (!c.Sequential || e.ApproverID == turn):
			out = append(out, e.ApproverID)
		}
	}
	return out
}

// CanAct checks that approverID may record decision on c now. In a
// sequential checklist only the override identity's approval skips the turn
// order. An override-only entry sits outside the turn order.
func CanAct(c *repository.Checklist, approverID string, decision repository.Decision) error {
	e := c.Entry(approverID)
	if e == nil {
		return errors.New(errors.ErrCodeNotAnApprover, "user is not an approver of this expense")
	}
	if e.Decision != repository.DecisionUndecided {
		return errors.New(errors.ErrCodeAlreadyDecided, "approver has already decided")
	}
	overrides := decision == repository.DecisionApproved && isOverrideIdentity(c, approverID)
	if c.Sequential && e.Role == repository.EntryStandard && !overrides {
		if turn := CurrentTurn(c); turn != approverID {
			return errors.Newf(errors.ErrCodeNotYourTurn, "waiting on approver %s", turn)
		}
	}
	return nil
}

func isOverrideIdentity(c *repository.Checklist, approverID string) bool {
	return c.Kind == repository.PlanWithOverride && c.OverrideApprover != nil && *c.OverrideApprover == approverID
}

func byPosition(entries []repository.ChecklistEntry) []repository.ChecklistEntry {
	sorted := append([]repository.ChecklistEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return sorted
}

// ValidateRule checks a rule's structure before it is stored.
func ValidateRule(rule *repository.ApprovalRule) error {
	if rule.Name == "" {
		return errors.InvalidInput("name", "is required")
	}
	if len(rule.Approvers) == 0 {
		return errors.InvalidInput("approvers", "at least one approver is required")
	}
	for _, spec := range rule.Approvers {
		if err := validateSpec("approvers", spec); err != nil {
			return err
		}
	}
	if rule.OverrideApprover != nil {
		if err := validateSpec("override_approver", *rule.OverrideApprover); err != nil {
			return err
		}
	}

	switch rule.Combinator.Kind {
	case repository.CombinatorAll, repository.CombinatorAny:
	case repository.CombinatorPercentage:
		p := rule.Combinator.Threshold
		if !p.IsPositive() || p.GreaterThan(decimal.NewFromInt(1)) {
			return errors.InvalidInput("combinator.threshold", "must be in (0, 1]")
		}
		if rule.Sequential {
			return errors.InvalidInput("sequential", "percentage rules cannot be sequential")
		}
	default:
		return errors.InvalidInput("combinator.kind", "must be all, any or percentage")
	}

	s := rule.Scope
	for _, cat := range s.Categories {
		if !cat.Valid() {
			return errors.InvalidInput("scope.categories", "unknown category "+string(cat))
		}
	}
	if s.MinAmount != nil && s.MinAmount.IsNegative() {
		return errors.InvalidInput("scope.min_amount", "must not be negative")
	}
	if s.MinAmount != nil && s.MaxAmount != nil && !s.MaxAmount.GreaterThan(*s.MinAmount) {
		return errors.InvalidInput("scope.max_amount", "must be greater than min_amount")
	}
	if s.OrgUnit != nil && *s.OrgUnit == "" {
		return errors.InvalidInput("scope.org_unit", "must not be empty when set")
	}
	return nil
}

func validateSpec(field string, spec repository.ApproverSpec) error {
	set := 0
	if spec.User != "" {
		set++
	}
	if spec.Role != "" {
		set++
	}
	if spec.ManagerLevel != 0 {
		if spec.ManagerLevel < 0 {
			return errors.InvalidInput(field, "manager_level must be at least 1")
		}
		set++
	}
	if set != 1 {
		return errors.InvalidInput(field, "exactly one of user, role or manager_level must be set")
	}
	return nil
}
