package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable audit log entries.
type ApprovalAuditRepository struct{}

// append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation exposed.
func (r *ApprovalAuditRepository) append(ctx context.Context, q querier, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	var before *string
	if entry.StatusBefore != nil {
		s := string(*entry.StatusBefore)
		before = &s
	}

	query := `
		INSERT INTO expense_audit_log
		    (id, expense_id, round, actor, action,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING performed_at
	`

	err := q.QueryRow(ctx, query,
		entry.ID,
		entry.ExpenseID,
		entry.Round,
		entry.Actor,
		string(entry.Action),
		before,
		string(entry.StatusAfter),
		metadataJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByExpense returns the full audit trail for an expense, oldest first.
func (r *ApprovalAuditRepository) ListByExpense(ctx context.Context, q querier, expenseID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, expense_id, round, actor, action,
		       status_before, status_after, metadata, performed_at
		FROM expense_audit_log
		WHERE expense_id = $1
		ORDER BY performed_at ASC, seq ASC
	`

	rows, err := q.Query(ctx, query, expenseID)
	if err != nil {
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var (
		action, after string
		before        *string
		metadataJSON  []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.ExpenseID,
		&entry.Round,
		&entry.Actor,
		&action,
		&before,
		&after,
		&metadataJSON,
		&entry.PerformedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	entry.Action = AuditAction(action)
	entry.StatusAfter = ExpenseStatus(after)
	if before != nil {
		s := ExpenseStatus(*before)
		entry.StatusBefore = &s
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}
