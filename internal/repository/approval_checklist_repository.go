package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

// ApprovalChecklistRepository manages checklist headers and their entries.
// A checklist and its entries are always written together inside the
// transaction of a PostgresStore.Commit.
type ApprovalChecklistRepository struct{}

// upsert writes the checklist header and every entry. Entries that already
// carry a decision are never overwritten.
func (r *ApprovalChecklistRepository) upsert(ctx context.Context, q querier, c *Checklist) error {
	combinator, err := json.Marshal(c.Combinator)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal combinator")
	}

	headerQuery := `
		INSERT INTO expense_approval_checklists
		    (expense_id, round, rule_id, kind, override_approver,
		     sequential, combinator, outcome, archived_at,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11)
		ON CONFLICT (expense_id, round) DO UPDATE
		SET outcome     = EXCLUDED.outcome,
		    archived_at = EXCLUDED.archived_at,
		    updated_at  = EXCLUDED.updated_at
	`
	_, err = q.Exec(ctx, headerQuery,
		c.ExpenseID,
		c.Round,
		c.RuleID,
		string(c.Kind),
		c.OverrideApprover,
		c.Sequential,
		combinator,
		string(c.Outcome),
		c.ArchivedAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checklist: %w", err)
	}

	entryQuery := `
		INSERT INTO expense_approval_entries
		    (expense_id, round, approver_id, position, role,
		     decision, decided_at, comment)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		ON CONFLICT (expense_id, round, approver_id) DO UPDATE
		SET decision   = EXCLUDED.decision,
		    decided_at = EXCLUDED.decided_at,
		    comment    = EXCLUDED.comment
		WHERE expense_approval_entries.decision = 'undecided'
	`
	for _, e := range c.Entries {
		_, err := q.Exec(ctx, entryQuery,
			c.ExpenseID,
			c.Round,
			e.ApproverID,
			e.Position,
			string(e.Role),
			string(e.Decision),
			e.DecidedAt,
			e.Comment,
		)
		if err != nil {
			return fmt.Errorf("upsert checklist entry: %w", err)
		}
	}
	return nil
}

// Get returns the checklist for one submission round of an expense.
func (r *ApprovalChecklistRepository) Get(ctx context.Context, q querier, expenseID string, round int) (*Checklist, error) {
	query := `
		SELECT expense_id, round, rule_id, kind, override_approver,
		       sequential, combinator, outcome, archived_at,
		       created_at, updated_at
		FROM expense_approval_checklists
		WHERE expense_id = $1 AND round = $2
	`

	c, err := r.scanHeader(q.QueryRow(ctx, query, expenseID, round))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("checklist", expenseID)
	}
	if err != nil {
		return nil, err
	}
	if c.Entries, err = r.entries(ctx, q, expenseID, round); err != nil {
		return nil, err
	}
	return c, nil
}

// ListOpenForApprover returns unarchived checklists with an undecided entry
// for approverID, oldest first.
func (r *ApprovalChecklistRepository) ListOpenForApprover(ctx context.Context, q querier, approverID string) ([]*Checklist, error) {
	query := `
		SELECT c.expense_id, c.round, c.rule_id, c.kind, c.override_approver,
		       c.sequential, c.combinator, c.outcome, c.archived_at,
		       c.created_at, c.updated_at
		FROM expense_approval_checklists c
		JOIN expense_approval_entries e
		  ON e.expense_id = c.expense_id AND e.round = c.round
		WHERE c.archived_at IS NULL
		  AND e.approver_id = $1
		  AND e.decision = 'undecided'
		ORDER BY c.created_at ASC
	`

	rows, err := q.Query(ctx, query, approverID)
	if err != nil {
		return nil, fmt.Errorf("list open checklists: %w", err)
	}
	var out []*Checklist
	for rows.Next() {
		c, err := r.scanHeader(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if c.Entries, err = r.entries(ctx, q, c.ExpenseID, c.Round); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ApprovalChecklistRepository) entries(ctx context.Context, q querier, expenseID string, round int) ([]ChecklistEntry, error) {
	query := `
		SELECT approver_id, position, role, decision, decided_at, comment
		FROM expense_approval_entries
		WHERE expense_id = $1 AND round = $2
		ORDER BY position ASC
	`

	rows, err := q.Query(ctx, query, expenseID, round)
	if err != nil {
		return nil, fmt.Errorf("get checklist entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ChecklistEntry, 0)
	for rows.Next() {
		var (
			e              ChecklistEntry
			role, decision string
		)
		if err := rows.Scan(&e.ApproverID, &e.Position, &role, &decision, &e.DecidedAt, &e.Comment); err != nil {
			return nil, fmt.Errorf("scan checklist entry: %w", err)
		}
		e.Role = EntryRole(role)
		e.Decision = Decision(decision)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

func (r *ApprovalChecklistRepository) scanHeader(row rowScanner) (*Checklist, error) {
	c := &Checklist{}
	var (
		kind, outcome string
		combinator    []byte
	)
	err := row.Scan(
		&c.ExpenseID,
		&c.Round,
		&c.RuleID,
		&kind,
		&c.OverrideApprover,
		&c.Sequential,
		&combinator,
		&outcome,
		&c.ArchivedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(combinator, &c.Combinator); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal combinator")
	}
	c.Kind = PlanKind(kind)
	c.Outcome = Decision(outcome)
	return c, nil
}
