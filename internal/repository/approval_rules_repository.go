package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expenses/internal/database"
	"github.com/pesio-ai/be-expenses/internal/errors"
)

// ApprovalRulesRepository handles CRUD for expense_approval_rules.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

type ruleJSON struct {
	scope, approvers, combinator, override []byte
}

func marshalRule(rule *ApprovalRule) (ruleJSON, error) {
	var (
		out ruleJSON
		err error
	)
	if out.scope, err = json.Marshal(rule.Scope); err != nil {
		return out, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule scope")
	}
	if out.approvers, err = json.Marshal(rule.Approvers); err != nil {
		return out, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule approvers")
	}
	if out.combinator, err = json.Marshal(rule.Combinator); err != nil {
		return out, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule combinator")
	}
	if rule.OverrideApprover != nil {
		if out.override, err = json.Marshal(rule.OverrideApprover); err != nil {
			return out, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal override approver")
		}
	}
	return out, nil
}

// CreateRule inserts a new approval rule.
func (r *ApprovalRulesRepository) CreateRule(ctx context.Context, rule *ApprovalRule) error {
	j, err := marshalRule(rule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO expense_approval_rules
		    (id, name, is_active, scope, approvers,
		     sequential, combinator, override_approver)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.IsActive,
		j.scope,
		j.approvers,
		rule.Sequential,
		j.combinator,
		j.override,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "approval rule %q already exists", rule.ID)
	}
	if err != nil {
		return storeErr(fmt.Errorf("insert approval rule: %w", err))
	}
	return nil
}

// GetRule retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetRule(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, name, is_active, scope, approvers,
		       sequential, combinator, override_approver,
		       created_at, updated_at
		FROM expense_approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return rule, nil
}

// ListRules returns all rules, optionally filtered to active only. The order
// is for display; matching never depends on it.
func (r *ApprovalRulesRepository) ListRules(ctx context.Context, activeOnly bool) ([]*ApprovalRule, error) {
	query := `
		SELECT id, name, is_active, scope, approvers,
		       sequential, combinator, override_approver,
		       created_at, updated_at
		FROM expense_approval_rules
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, storeErr(fmt.Errorf("list approval rules: %w", err))
	}
	defer rows.Close()

	rules := make([]*ApprovalRule, 0)
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return rules, nil
}

// UpdateRule persists changes to an existing rule.
func (r *ApprovalRulesRepository) UpdateRule(ctx context.Context, rule *ApprovalRule) error {
	j, err := marshalRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE expense_approval_rules
		SET name              = $2,
		    is_active         = $3,
		    scope             = $4,
		    approvers         = $5,
		    sequential        = $6,
		    combinator        = $7,
		    override_approver = $8,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.IsActive,
		j.scope,
		j.approvers,
		rule.Sequential,
		j.combinator,
		j.override,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// DeleteRule removes an approval rule. Checklists keep the rule ID they were
// built from as a plain value.
func (r *ApprovalRulesRepository) DeleteRule(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM expense_approval_rules WHERE id = $1`, id)
	if err != nil {
		return storeErr(fmt.Errorf("delete approval rule: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ApprovalRulesRepository) scanRule(row rowScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var scope, approvers, combinator, override []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.IsActive,
		&scope,
		&approvers,
		&rule.Sequential,
		&combinator,
		&override,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scope, &rule.Scope); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule scope")
	}
	if err := json.Unmarshal(approvers, &rule.Approvers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule approvers")
	}
	if err := json.Unmarshal(combinator, &rule.Combinator); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule combinator")
	}
	if len(override) > 0 {
		rule.OverrideApprover = &ApproverSpec{}
		if err := json.Unmarshal(override, rule.OverrideApprover); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal override approver")
		}
	}
	return rule, nil
}
