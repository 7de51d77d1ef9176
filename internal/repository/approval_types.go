package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Expense ───────────────────────────────────────────────────────────────────

// ExpenseStatus is the workflow state of an expense.
type ExpenseStatus string

const (
	StatusDraft    ExpenseStatus = "draft"
	StatusPending  ExpenseStatus = "pending"
	StatusApproved ExpenseStatus = "approved"
	StatusRejected ExpenseStatus = "rejected"
)

// Terminal reports whether no further decisions are accepted in this status.
func (s ExpenseStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Category is the enumerated expense tag.
type Category string

const (
	CategoryTravel        Category = "travel"
	CategoryMeals         Category = "meals"
	CategoryOffice        Category = "office"
	CategoryUtilities     Category = "utilities"
	CategorySoftware      Category = "software"
	CategoryEntertainment Category = "entertainment"
	CategoryOther         Category = "other"
)

// Categories lists every accepted category.
var Categories = []Category{
	CategoryTravel, CategoryMeals, CategoryOffice, CategoryUtilities,
	CategorySoftware, CategoryEntertainment, CategoryOther,
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Expense is a single spend record subject to approval.
type Expense struct {
	ID              string           `json:"id" bson:"_id"`
	OwnerID         string           `json:"owner_id" bson:"owner_id"`
	OrgUnit         string           `json:"org_unit,omitempty" bson:"org_unit,omitempty"`
	Amount          decimal.Decimal  `json:"amount" bson:"amount"`
	Currency        string           `json:"currency" bson:"currency"`
	ConvertedAmount *decimal.Decimal `json:"converted_amount,omitempty" bson:"converted_amount,omitempty"`
	BaseCurrency    string           `json:"base_currency" bson:"base_currency"`
	Category        Category         `json:"category" bson:"category"`
	Merchant        string           `json:"merchant" bson:"merchant"`
	ExpenseDate     string           `json:"expense_date" bson:"expense_date"` // YYYY-MM-DD
	Description     *string          `json:"description,omitempty" bson:"description,omitempty"`
	PaymentMethod   *string          `json:"payment_method,omitempty" bson:"payment_method,omitempty"`
	ReceiptRef      *string          `json:"receipt_ref,omitempty" bson:"receipt_ref,omitempty"`
	Status          ExpenseStatus    `json:"status" bson:"status"`
	Round           int              `json:"round" bson:"round"`
	Version         int64            `json:"version" bson:"version"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty" bson:"submitted_at,omitempty"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty" bson:"decided_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy.
func (e *Expense) Clone() *Expense {
	if e == nil {
		return nil
	}
	c := *e
	if e.ConvertedAmount != nil {
		v := *e.ConvertedAmount
		c.ConvertedAmount = &v
	}
	c.Description = cloneString(e.Description)
	c.PaymentMethod = cloneString(e.PaymentMethod)
	c.ReceiptRef = cloneString(e.ReceiptRef)
	c.SubmittedAt = cloneTime(e.SubmittedAt)
	c.DecidedAt = cloneTime(e.DecidedAt)
	return &c
}

// ExpenseFilter narrows ListExpenses. Zero values match everything.
type ExpenseFilter struct {
	OwnerID  string
	Status   ExpenseStatus
	Category Category
	FromDate string
	ToDate   string
	Page     int
	PageSize int
}

// ── Approval rules ────────────────────────────────────────────────────────────

// CombinatorKind is the pass condition of an approval plan.
type CombinatorKind string

const (
	CombinatorAll        CombinatorKind = "all"
	CombinatorAny        CombinatorKind = "any"
	CombinatorPercentage CombinatorKind = "percentage"
)

// Combinator decides when a set of decisions satisfies or fails a plan.
// Threshold is only meaningful for CombinatorPercentage.
type Combinator struct {
	Kind      CombinatorKind  `json:"kind" yaml:"kind" bson:"kind"`
	Threshold decimal.Decimal `json:"threshold,omitempty" yaml:"threshold,omitempty" bson:"threshold,omitempty"`
}

// ApproverSpec names an approver: a fixed user, every holder of a role, or the
// Nth manager up the owner's chain. Exactly one field is set.
type ApproverSpec struct {
	User         string `json:"user,omitempty" yaml:"user,omitempty" bson:"user,omitempty"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty" bson:"role,omitempty"`
	ManagerLevel int    `json:"manager_level,omitempty" yaml:"manager_level,omitempty" bson:"manager_level,omitempty"`
}

// RuleScope is the set of criteria a rule applies to. Unset criteria match
// anything; a rule with no criteria is a default rule.
type RuleScope struct {
	Categories []Category       `json:"categories,omitempty" yaml:"categories,omitempty" bson:"categories,omitempty"`
	MinAmount  *decimal.Decimal `json:"min_amount,omitempty" yaml:"min_amount,omitempty" bson:"min_amount,omitempty"` // base currency, inclusive
	MaxAmount  *decimal.Decimal `json:"max_amount,omitempty" yaml:"max_amount,omitempty" bson:"max_amount,omitempty"` // base currency, exclusive
	OrgUnit    *string          `json:"org_unit,omitempty" yaml:"org_unit,omitempty" bson:"org_unit,omitempty"`
}

// ApprovalRule maps expense attributes to a required approver structure.
// Rules form an unordered set; there is deliberately no priority.
type ApprovalRule struct {
	ID               string         `json:"id" yaml:"id" bson:"_id"`
	Name             string         `json:"name" yaml:"name" bson:"name"`
	IsActive         bool           `json:"is_active" yaml:"is_active" bson:"is_active"`
	Scope            RuleScope      `json:"scope" yaml:"scope" bson:"scope"`
	Approvers        []ApproverSpec `json:"approvers" yaml:"approvers" bson:"approvers"`
	Sequential       bool           `json:"sequential" yaml:"sequential" bson:"sequential"`
	Combinator       Combinator     `json:"combinator" yaml:"combinator" bson:"combinator"`
	OverrideApprover *ApproverSpec  `json:"override_approver,omitempty" yaml:"override_approver,omitempty" bson:"override_approver,omitempty"`
	CreatedAt        time.Time      `json:"created_at" yaml:"-" bson:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" yaml:"-" bson:"updated_at"`
}

// Clone returns a deep copy.
func (r *ApprovalRule) Clone() *ApprovalRule {
	if r == nil {
		return nil
	}
	c := *r
	c.Scope.Categories = append([]Category(nil), r.Scope.Categories...)
	c.Scope.OrgUnit = cloneString(r.Scope.OrgUnit)
	c.Approvers = append([]ApproverSpec(nil), r.Approvers...)
	if r.OverrideApprover != nil {
		o := *r.OverrideApprover
		c.OverrideApprover = &o
	}
	return &c
}

// ── Checklist ─────────────────────────────────────────────────────────────────

// Decision is an approver's verdict on a checklist entry.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

// PlanKind tags whether a plan carries a short-circuiting override approver.
type PlanKind string

const (
	PlanStandard     PlanKind = "standard"
	PlanWithOverride PlanKind = "with_override"
)

// EntryRole says whether a checklist entry votes in the combinator.
type EntryRole string

const (
	EntryStandard EntryRole = "standard"
	EntryOverride EntryRole = "override" // override-only, not a voter
)

// ChecklistEntry tracks one approver's decision.
type ChecklistEntry struct {
	ApproverID string     `json:"approver_id" bson:"approver_id"`
	Position   int        `json:"position" bson:"position"`
	Role       EntryRole  `json:"role" bson:"role"`
	Decision   Decision   `json:"decision" bson:"decision"`
	DecidedAt  *time.Time `json:"decided_at,omitempty" bson:"decided_at,omitempty"`
	Comment    *string    `json:"comment,omitempty" bson:"comment,omitempty"`
}

// Checklist is the per-round record of required approvals for an expense.
type Checklist struct {
	ExpenseID        string           `json:"expense_id" bson:"expense_id"`
	Round            int              `json:"round" bson:"round"`
	RuleID           *string          `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	Kind             PlanKind         `json:"kind" bson:"kind"`
	OverrideApprover *string          `json:"override_approver,omitempty" bson:"override_approver,omitempty"`
	Sequential       bool             `json:"sequential" bson:"sequential"`
	Combinator       Combinator       `json:"combinator" bson:"combinator"`
	Entries          []ChecklistEntry `json:"entries" bson:"entries"`
	Outcome          Decision         `json:"outcome" bson:"outcome"`
	ArchivedAt       *time.Time       `json:"archived_at,omitempty" bson:"archived_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" bson:"updated_at"`
}

// Entry returns the entry for approverID, or nil.
func (c *Checklist) Entry(approverID string) *ChecklistEntry {
	for i := range c.Entries {
		if c.Entries[i].ApproverID == approverID {
			return &c.Entries[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Checklist) Clone() *Checklist {
	if c == nil {
		return nil
	}
	out := *c
	out.RuleID = cloneString(c.RuleID)
	out.OverrideApprover = cloneString(c.OverrideApprover)
	out.ArchivedAt = cloneTime(c.ArchivedAt)
	out.Entries = make([]ChecklistEntry, len(c.Entries))
	for i, e := range c.Entries {
		e.DecidedAt = cloneTime(e.DecidedAt)
		e.Comment = cloneString(e.Comment)
		out.Entries[i] = e
	}
	return &out
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// AuditAction names a state-changing action on an expense.
type AuditAction string

const (
	ActionCreate       AuditAction = "create"
	ActionEdit         AuditAction = "edit"
	ActionSubmit       AuditAction = "submit"
	ActionApprove      AuditAction = "approve"
	ActionReject       AuditAction = "reject"
	ActionRuleOverride AuditAction = "rule_override"
)

// AuditEntry is one immutable record of the compliance trail.
type AuditEntry struct {
	ID           string                 `json:"id" bson:"_id"`
	ExpenseID    string                 `json:"expense_id" bson:"expense_id"`
	Round        int                    `json:"round" bson:"round"`
	Actor        string                 `json:"actor" bson:"actor"`
	Action       AuditAction            `json:"action" bson:"action"`
	StatusBefore *ExpenseStatus         `json:"status_before,omitempty" bson:"status_before,omitempty"`
	StatusAfter  ExpenseStatus          `json:"status_after" bson:"status_after"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	PerformedAt  time.Time              `json:"performed_at" bson:"performed_at"`
}

// ── Store contracts ───────────────────────────────────────────────────────────

// Transition is one atomic unit of work against an expense: the new expense
// state guarded by ExpectedVersion, an optional checklist upsert, and the
// audit entries describing it. Either all of it commits or none of it does.
type Transition struct {
	Expense         *Expense
	ExpectedVersion int64
	Checklist       *Checklist
	Audit           []*AuditEntry
}

// Store is the durable record store behind the workflow.
type Store interface {
	// CreateExpense inserts a new expense at version 1 together with its
	// creation audit entry.
	CreateExpense(ctx context.Context, expense *Expense, audit *AuditEntry) error
	GetExpense(ctx context.Context, id string) (*Expense, error)
	ListExpenses(ctx context.Context, filter ExpenseFilter) ([]*Expense, int64, error)

	GetChecklist(ctx context.Context, expenseID string, round int) (*Checklist, error)
	// ListOpenChecklistsForApprover returns unarchived checklists that have
	// an undecided entry for approverID.
	ListOpenChecklistsForApprover(ctx context.Context, approverID string) ([]*Checklist, error)

	// Commit applies t atomically. It fails with VERSION_CONFLICT when the
	// stored expense version differs from t.ExpectedVersion; on success
	// t.Expense.Version is ExpectedVersion+1.
	Commit(ctx context.Context, t *Transition) error

	ListAudit(ctx context.Context, expenseID string) ([]*AuditEntry, error)
	Ping(ctx context.Context) error
}

// RuleStore persists approval rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *ApprovalRule) error
	GetRule(ctx context.Context, id string) (*ApprovalRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error)
	UpdateRule(ctx context.Context, rule *ApprovalRule) error
	DeleteRule(ctx context.Context, id string) error
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
