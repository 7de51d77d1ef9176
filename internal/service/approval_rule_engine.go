package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// DirectoryClientInterface resolves people from the organisational hierarchy.
type DirectoryClientInterface interface {
	// ManagerChainOf returns the user's managers, direct manager first.
	ManagerChainOf(ctx context.Context, userID string) ([]string, error)
	// OrgUnitOf returns the user's organisational unit.
	OrgUnitOf(ctx context.Context, userID string) (string, error)
	// UsersWithRole returns the users holding role.
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// DefaultFallbackRole approves expenses when the owner has no manager.
const DefaultFallbackRole = "FINANCE_MANAGER"

// Specificity weights. Any rule that constrains category outranks any rule
// that does not, and likewise amount over org unit.
const (
	weightCategory = 4
	weightAmount   = 2
	weightOrgUnit  = 1
)

// ApprovalRuleEngine matches expenses to rules and resolves approver plans.
type ApprovalRuleEngine struct {
	directory    DirectoryClientInterface
	fallbackRole string
	log          *logger.Logger
}

// NewApprovalRuleEngine creates an engine. An empty fallbackRole uses
// DefaultFallbackRole.
func NewApprovalRuleEngine(directory DirectoryClientInterface, fallbackRole string, log *logger.Logger) *ApprovalRuleEngine {
	if fallbackRole == "" {
		fallbackRole = DefaultFallbackRole
	}
	return &ApprovalRuleEngine{directory: directory, fallbackRole: fallbackRole, log: log}
}

// ── Matching ──────────────────────────────────────────────────────────────────

// Specificity scores a rule's scope; a rule with no criteria scores 0.
func Specificity(scope repository.RuleScope) int {
	score := 0
	if len(scope.Categories) > 0 {
		score += weightCategory
	}
	if scope.MinAmount != nil || scope.MaxAmount != nil {
		score += weightAmount
	}
	if scope.OrgUnit != nil {
		score += weightOrgUnit
	}
	return score
}

// scopeMatches reports whether every criterion the scope sets holds for the
// expense. Amount criteria compare the base-currency amount and never match
// an expense without one.
func scopeMatches(scope repository.RuleScope, e *repository.Expense) bool {
	if len(scope.Categories) > 0 {
		found := false
		for _, c := range scope.Categories {
			if c == e.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if scope.MinAmount != nil || scope.MaxAmount != nil {
		if e.ConvertedAmount == nil {
			return false
		}
		amt := *e.ConvertedAmount
		if scope.MinAmount != nil && amt.LessThan(*scope.MinAmount) {
			return false
		}
		if scope.MaxAmount != nil && !amt.LessThan(*scope.MaxAmount) {
			return false
		}
	}
	if scope.OrgUnit != nil && *scope.OrgUnit != e.OrgUnit {
		return false
	}
	return true
}

// Match selects the single most specific active rule matching the expense.
// It fails with NO_MATCHING_RULE when nothing matches and AMBIGUOUS_RULE when
// the best score is shared. The result never depends on slice order.
func (eng *ApprovalRuleEngine) Match(rules []*repository.ApprovalRule, e *repository.Expense) (*repository.ApprovalRule, error) {
	best := -1
	var top []*repository.ApprovalRule
	for _, r := range rules {
		if !r.IsActive || !scopeMatches(r.Scope, e) {
			continue
		}
		switch score := Specificity(r.Scope); {
		case score > best:
			best = score
			top = []*repository.ApprovalRule{r}
		case score == best:
			top = append(top, r)
		}
	}

	switch len(top) {
	case 0:
		return nil, errors.New(errors.ErrCodeNoMatchingRule, "no approval rule matches the expense")
	case 1:
		return top[0], nil
	}
	ids := make([]string, len(top))
	for i, r := range top {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return nil, errors.Newf(errors.ErrCodeAmbiguousRule,
		"approval rules %s match with equal specificity", strings.Join(ids, ", "))
}

// ── Resolution ────────────────────────────────────────────────────────────────

// Resolve produces the approval plan for an expense. AMBIGUOUS_RULE is
// returned as is. When no rule matches, or the matched rule's approvers
// cannot be resolved, the default policy applies.
func (eng *ApprovalRuleEngine) Resolve(ctx context.Context, rules []*repository.ApprovalRule, e *repository.Expense) (*ApprovalPlan, error) {
	rule, err := eng.Match(rules, e)
	if err != nil && !errors.Is(err, errors.ErrCodeNoMatchingRule) {
		return nil, err
	}

	if rule != nil {
		plan, err := eng.planFromRule(ctx, rule, e.OwnerID)
		if err == nil {
			return plan, nil
		}
		eng.log.Warn().Err(err).
			Str("expense_id", e.ID).
			Str("rule_id", rule.ID).
			Msg("Rule approvers unresolvable; applying default policy")
	}
	return eng.defaultPlan(ctx, e.OwnerID)
}

func (eng *ApprovalRuleEngine) planFromRule(ctx context.Context, rule *repository.ApprovalRule, owner string) (*ApprovalPlan, error) {
	r := &specResolver{directory: eng.directory, owner: owner}

	approvers := newApproverSet(owner)
	for _, spec := range rule.Approvers {
		ids, err := r.resolve(ctx, spec)
		if err != nil {
			return nil, err
		}
		approvers.add(ids...)
	}
	if len(approvers.ids) == 0 {
		return nil, fmt.Errorf("rule %s has no approvers other than the owner", rule.ID)
	}

	ruleID := rule.ID
	plan := &ApprovalPlan{
		Kind:       repository.PlanStandard,
		Approvers:  approvers.ids,
		Sequential: rule.Sequential,
		Combinator: rule.Combinator,
		RuleID:     &ruleID,
	}

	if rule.OverrideApprover != nil {
		ids, err := r.resolve(ctx, *rule.OverrideApprover)
		override := newApproverSet(owner)
		if err == nil {
			override.add(ids...)
		}
		if len(override.ids) > 0 {
			plan.Kind = repository.PlanWithOverride
			plan.OverrideApprover = override.ids[0]
		} else {
			eng.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Msg("Override approver unresolvable; plan has no override")
		}
	}
	return plan, nil
}

// defaultPlan is the single-manager policy, falling back to holders of the
// fallback role when the owner has no reachable manager.
func (eng *ApprovalRuleEngine) defaultPlan(ctx context.Context, owner string) (*ApprovalPlan, error) {
	chain, err := eng.directory.ManagerChainOf(ctx, owner)
	if err != nil {
		eng.log.Warn().Err(err).Str("owner_id", owner).Msg("Manager lookup failed; using fallback role")
	}
	if err == nil && len(chain) > 0 && chain[0] != owner {
		return &ApprovalPlan{
			Kind:       repository.PlanStandard,
			Approvers:  []string{chain[0]},
			Combinator: repository.Combinator{Kind: repository.CombinatorAll},
		}, nil
	}

	holders, err := eng.directory.UsersWithRole(ctx, eng.fallbackRole)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNoApprover,
			fmt.Sprintf("could not look up holders of %s", eng.fallbackRole))
	}
	set := newApproverSet(owner)
	set.add(holders...)
	if len(set.ids) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApprover,
			"owner %s has no manager and no %s is configured", owner, eng.fallbackRole)
	}
	return &ApprovalPlan{
		Kind:       repository.PlanStandard,
		Approvers:  set.ids,
		Combinator: repository.Combinator{Kind: repository.CombinatorAny},
	}, nil
}

// specResolver turns approver specs into identities, fetching the owner's
// manager chain at most once.
type specResolver struct {
	directory DirectoryClientInterface
	owner     string
	chain     []string
	loaded    bool
}

func (r *specResolver) resolve(ctx context.Context, spec repository.ApproverSpec) ([]string, error) {
	switch {
	case spec.User != "":
		return []string{spec.User}, nil
	case spec.Role != "":
		ids, err := r.directory.UsersWithRole(ctx, spec.Role)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", spec.Role, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("role %s has no holders", spec.Role)
		}
		return ids, nil
	case spec.ManagerLevel > 0:
		if !r.loaded {
			chain, err := r.directory.ManagerChainOf(ctx, r.owner)
			if err != nil {
				return nil, fmt.Errorf("manager chain of %s: %w", r.owner, err)
			}
			r.chain, r.loaded = chain, true
		}
		if len(r.chain) < spec.ManagerLevel {
			return nil, fmt.Errorf("owner %s has no manager at level %d", r.owner, spec.ManagerLevel)
		}
		return []string{r.chain[spec.ManagerLevel-1]}, nil
	}
	return nil, fmt.Errorf("empty approver spec")
}

// approverSet keeps first-seen order, drops duplicates and the owner.
type approverSet struct {
	owner string
	seen  map[string]struct{}
	ids   []string
}

func newApproverSet(owner string) *approverSet {
	return &approverSet{owner: owner, seen: make(map[string]struct{})}
}

func (s *approverSet) add(ids ...string) {
	for _, id := range ids {
		if id == "" || id == s.owner {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
}
