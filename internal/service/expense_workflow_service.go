package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// Event kinds published to the notification sink.
const (
	EventSubmitted        = "expense.submitted"
	EventApprovalRequired = "expense.approval_required"
	EventDecisionRecorded = "expense.decision_recorded"
	EventApproved         = "expense.approved"
	EventRejected         = "expense.rejected"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultAdminRole    = "ADMIN"
)

// EventPublisher receives workflow events after they are committed. Publish
// must not block on delivery and never reports failure to the caller.
type EventPublisher interface {
	Publish(ctx context.Context, kind, expenseID string, payload map[string]interface{})
}

// WorkflowConfig tunes the controller.
type WorkflowConfig struct {
	StoreTimeout time.Duration
	BaseCurrency string
	AdminRole    string // directory role allowed to administer approval rules
}

// ExpenseWorkflowService is the expense state machine. Every transition is a
// single Store.Commit guarded by the expense version; events go out only
// after the commit succeeds.
type ExpenseWorkflowService struct {
	store     repository.Store
	rules     repository.RuleStore
	engine    *ApprovalRuleEngine
	converter CurrencyConverterInterface
	events    EventPublisher
	cfg       WorkflowConfig
	log       *logger.Logger

	now   func() time.Time
	newID func() string
}

// NewExpenseWorkflowService creates a new ExpenseWorkflowService.
func NewExpenseWorkflowService(
	store repository.Store,
	rules repository.RuleStore,
	engine *ApprovalRuleEngine,
	converter CurrencyConverterInterface,
	events EventPublisher,
	cfg WorkflowConfig,
	log *logger.Logger,
) *ExpenseWorkflowService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = defaultAdminRole
	}
	return &ExpenseWorkflowService{
		store:     store,
		rules:     rules,
		engine:    engine,
		converter: converter,
		events:    events,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// DecisionResult is the state after a Decide call. Changed is false when the
// call was an idempotent repeat against a terminal expense.
type DecisionResult struct {
	Expense   *repository.Expense   `json:"expense"`
	Checklist *repository.Checklist `json:"checklist"`
	Outcome   repository.Decision   `json:"outcome"`
	Changed   bool                  `json:"changed"`
}

// storeCtx bounds a single store call.
func (s *ExpenseWorkflowService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *ExpenseWorkflowService) getExpense(ctx context.Context, id string) (*repository.Expense, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.GetExpense(ctx, id)
}

func (s *ExpenseWorkflowService) getChecklist(ctx context.Context, id string, round int) (*repository.Checklist, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.GetChecklist(ctx, id, round)
}

func (s *ExpenseWorkflowService) commit(ctx context.Context, t *repository.Transition) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Commit(ctx, t)
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit moves a draft expense to pending: it resolves the approval plan,
// opens a new checklist round, and records the submit audit entry.
func (s *ExpenseWorkflowService) Submit(ctx context.Context, expenseID, actor string) (*repository.Expense, *repository.Checklist, error) {
	e, err := s.getExpense(ctx, expenseID)
	if err != nil {
		return nil, nil, err
	}
	if e.OwnerID != actor {
		return nil, nil, errors.New(errors.ErrCodeForbidden, "only the owner can submit an expense")
	}
	if e.Status != repository.StatusDraft {
		return nil, nil, errors.Newf(errors.ErrCodeInvalidState,
			"expense cannot be submitted from status '%s'", e.Status)
	}
	if err := validateExpense(e); err != nil {
		return nil, nil, err
	}

	rules, err := s.activeRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	plan, err := s.engine.Resolve(ctx, rules, e)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	next := e.Clone()
	next.Round = e.Round + 1
	next.Status = repository.StatusPending
	next.SubmittedAt = &now
	next.DecidedAt = nil
	next.UpdatedAt = now

	checklist := plan.Checklist(e.ID, next.Round, now)

	before := e.Status
	meta := map[string]interface{}{
		"approvers":  plan.Approvers,
		"combinator": string(plan.Combinator.Kind),
		"sequential": plan.Sequential,
	}
	if plan.RuleID != nil {
		meta["rule_id"] = *plan.RuleID
	} else {
		meta["rule_id"] = nil
		meta["default_policy"] = true
	}
	if plan.Combinator.Kind == repository.CombinatorPercentage {
		meta["threshold"] = plan.Combinator.Threshold.String()
	}
	if plan.Kind == repository.PlanWithOverride {
		meta["override_approver"] = plan.OverrideApprover
	}

	err = s.commit(ctx, &repository.Transition{
		Expense:         next,
		ExpectedVersion: e.Version,
		Checklist:       checklist,
		Audit: []*repository.AuditEntry{{
			ID:           s.newID(),
			ExpenseID:    e.ID,
			Round:        next.Round,
			Actor:        actor,
			Action:       repository.ActionSubmit,
			StatusBefore: &before,
			StatusAfter:  repository.StatusPending,
			Metadata:     meta,
			PerformedAt:  now,
		}},
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("expense_id", e.ID).
		Int("round", next.Round).
		Int("approvers", len(plan.Approvers)).
		Msg("Expense submitted for approval")

	s.publish(ctx, EventSubmitted, next, map[string]interface{}{
		"owner_id":   next.OwnerID,
		"round":      next.Round,
		"amount":     next.Amount.String(),
		"currency":   next.Currency,
		"category":   string(next.Category),
		"recipients": []string{next.OwnerID},
	})
	s.publishApprovalRequired(ctx, next, checklist)

	return next, checklist, nil
}

func (s *ExpenseWorkflowService) activeRules(ctx context.Context) ([]*repository.ApprovalRule, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.rules.ListRules(ctx, true)
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide records one approver's decision and re-evaluates the combinator.
// Repeating an approver's recorded decision after the expense is terminal is
// a no-op.
func (s *ExpenseWorkflowService) Decide(
	ctx context.Context,
	expenseID, approverID string,
	decision repository.Decision,
	comment string,
) (*DecisionResult, error) {
	if decision != repository.DecisionApproved && decision != repository.DecisionRejected {
		return nil, errors.InvalidInput("decision", "must be approve or reject")
	}

	e, err := s.getExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	if e.Status.Terminal() {
		return s.repeatDecision(ctx, e, approverID, decision)
	}
	if e.Status != repository.StatusPending {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"expense is not pending approval (status: %s)", e.Status)
	}

	c, err := s.getChecklist(ctx, e.ID, e.Round)
	if err != nil {
		return nil, err
	}
	if err := CanAct(c, approverID, decision); err != nil {
		return nil, err
	}
	comment = strings.TrimSpace(comment)

	now := s.now()
	entry := c.Entry(approverID)
	entry.Decision = decision
	entry.DecidedAt = &now
	if comment != "" {
		entry.Comment = &comment
	}
	c.UpdatedAt = now

	outcome := Evaluate(c)

	next := e.Clone()
	next.UpdatedAt = now
	switch outcome {
	case repository.DecisionApproved:
		next.Status = repository.StatusApproved
	case repository.DecisionRejected:
		next.Status = repository.StatusRejected
	}
	if next.Status.Terminal() {
		next.DecidedAt = &now
		c.Outcome = outcome
		c.ArchivedAt = &now
	}

	before := e.Status
	action := repository.ActionApprove
	if decision == repository.DecisionRejected {
		action = repository.ActionReject
	}
	meta := map[string]interface{}{
		"position": entry.Position,
		"role":     string(entry.Role),
	}
	if comment != "" {
		meta["comment"] = comment
	}
	audit := []*repository.AuditEntry{{
		ID:           s.newID(),
		ExpenseID:    e.ID,
		Round:        e.Round,
		Actor:        approverID,
		Action:       action,
		StatusBefore: &before,
		StatusAfter:  next.Status,
		Metadata:     meta,
		PerformedAt:  now,
	}}
	if decision == repository.DecisionApproved && isOverrideIdentity(c, approverID) {
		audit = append(audit, &repository.AuditEntry{
			ID:           s.newID(),
			ExpenseID:    e.ID,
			Round:        e.Round,
			Actor:        approverID,
			Action:       repository.ActionRuleOverride,
			StatusBefore: &before,
			StatusAfter:  next.Status,
			Metadata:     map[string]interface{}{"rule_id": c.RuleID},
			PerformedAt:  now,
		})
	}

	err = s.commit(ctx, &repository.Transition{
		Expense:         next,
		ExpectedVersion: e.Version,
		Checklist:       c,
		Audit:           audit,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("expense_id", e.ID).
		Str("approver_id", approverID).
		Str("decision", string(decision)).
		Str("outcome", string(outcome)).
		Msg("Approval decision recorded")

	s.publish(ctx, EventDecisionRecorded, next, map[string]interface{}{
		"approver_id": approverID,
		"decision":    string(decision),
		"round":       next.Round,
		"recipients":  []string{next.OwnerID},
	})
	switch outcome {
	case repository.DecisionApproved:
		s.publish(ctx, EventApproved, next, map[string]interface{}{
			"round": next.Round, "recipients": []string{next.OwnerID},
		})
	case repository.DecisionRejected:
		s.publish(ctx, EventRejected, next, map[string]interface{}{
			"round": next.Round, "reason": comment, "recipients": []string{next.OwnerID},
		})
	default:
		if c.Sequential && decision == repository.DecisionApproved && !isOverrideIdentity(c, approverID) {
			s.publishApprovalRequired(ctx, next, c)
		}
	}

	return &DecisionResult{Expense: next, Checklist: c, Outcome: outcome, Changed: true}, nil
}

// repeatDecision handles a decision against a terminal expense: a repeat of
// what the approver already recorded is accepted silently, anything else is
// an invalid state.
func (s *ExpenseWorkflowService) repeatDecision(
	ctx context.Context,
	e *repository.Expense,
	approverID string,
	decision repository.Decision,
) (*DecisionResult, error) {
	invalid := errors.Newf(errors.ErrCodeInvalidState, "expense is already %s", e.Status)
	if e.Round == 0 {
		return nil, invalid
	}
	c, err := s.getChecklist(ctx, e.ID, e.Round)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, invalid
		}
		return nil, err
	}
	entry := c.Entry(approverID)
	if entry == nil || entry.Decision != decision {
		return nil, invalid
	}
	return &DecisionResult{Expense: e, Checklist: c, Outcome: c.Outcome, Changed: false}, nil
}

// ── Edit and resubmit ─────────────────────────────────────────────────────────

// EditAndResubmit applies patch to a draft or rejected expense, returns it to
// draft, and submits it again as a new round.
func (s *ExpenseWorkflowService) EditAndResubmit(
	ctx context.Context,
	expenseID, actor string,
	patch ExpensePatch,
) (*repository.Expense, *repository.Checklist, error) {
	e, err := s.getExpense(ctx, expenseID)
	if err != nil {
		return nil, nil, err
	}
	if e.OwnerID != actor {
		return nil, nil, errors.New(errors.ErrCodeForbidden, "only the owner can edit an expense")
	}
	if e.Status != repository.StatusDraft && e.Status != repository.StatusRejected {
		return nil, nil, errors.Newf(errors.ErrCodeInvalidState,
			"expense cannot be edited from status '%s'", e.Status)
	}

	if _, err := s.edit(ctx, e, actor, patch); err != nil {
		return nil, nil, err
	}
	return s.Submit(ctx, expenseID, actor)
}

// edit commits patch against e and moves it to draft. A draft with an empty
// patch is left untouched.
func (s *ExpenseWorkflowService) edit(
	ctx context.Context,
	e *repository.Expense,
	actor string,
	patch ExpensePatch,
) (*repository.Expense, error) {
	if patch.Empty() && e.Status == repository.StatusDraft {
		return e, nil
	}

	next := e.Clone()
	changed := patch.apply(next)
	if patch.Amount != nil || patch.Currency != nil {
		s.convert(ctx, next)
	}
	if err := validateExpense(next); err != nil {
		return nil, err
	}

	now := s.now()
	next.Status = repository.StatusDraft
	next.UpdatedAt = now

	before := e.Status
	err := s.commit(ctx, &repository.Transition{
		Expense:         next,
		ExpectedVersion: e.Version,
		Audit: []*repository.AuditEntry{{
			ID:           s.newID(),
			ExpenseID:    e.ID,
			Round:        e.Round,
			Actor:        actor,
			Action:       repository.ActionEdit,
			StatusBefore: &before,
			StatusAfter:  repository.StatusDraft,
			Metadata:     map[string]interface{}{"fields": changed},
			PerformedAt:  now,
		}},
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// convert fills the base-currency amount. Without a rate the amount stays
// unset and amount-scoped rules will not match.
func (s *ExpenseWorkflowService) convert(ctx context.Context, e *repository.Expense) {
	e.BaseCurrency = s.cfg.BaseCurrency
	e.ConvertedAmount = nil
	if s.converter == nil {
		return
	}
	amt, err := s.converter.Convert(ctx, e.Amount, e.Currency)
	if err != nil {
		s.log.Warn().Err(err).
			Str("expense_id", e.ID).
			Str("currency", e.Currency).
			Msg("Currency conversion unavailable")
		return
	}
	e.ConvertedAmount = &amt
}

// ── Events ────────────────────────────────────────────────────────────────────

func (s *ExpenseWorkflowService) publish(ctx context.Context, kind string, e *repository.Expense, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, kind, e.ID, payload)
}

func (s *ExpenseWorkflowService) publishApprovalRequired(ctx context.Context, e *repository.Expense, c *repository.Checklist) {
	recipients := ActionableApprovers(c)
	if len(recipients) == 0 {
		return
	}
	s.publish(ctx, EventApprovalRequired, e, map[string]interface{}{
		"owner_id":   e.OwnerID,
		"round":      c.Round,
		"amount":     e.Amount.String(),
		"currency":   e.Currency,
		"recipients": recipients,
	})
}
