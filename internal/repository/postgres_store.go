package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-expenses/internal/database"
	"github.com/pesio-ai/be-expenses/internal/errors"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// storeErr passes coded errors through and classifies everything else as a
// store outage.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if errors.As(err, &coded) {
		return coded
	}
	return errors.StoreUnavailable(err)
}

// PostgresStore implements Store and RuleStore on PostgreSQL.
type PostgresStore struct {
	*ApprovalRulesRepository

	db         *database.DB
	expenses   *ExpenseRepository
	checklists *ApprovalChecklistRepository
	audit      *ApprovalAuditRepository
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		ApprovalRulesRepository: NewApprovalRulesRepository(db),
		db:                      db,
		expenses:                &ExpenseRepository{},
		checklists:              &ApprovalChecklistRepository{},
		audit:                   &ApprovalAuditRepository{},
	}
}

func (s *PostgresStore) CreateExpense(ctx context.Context, expense *Expense, audit *AuditEntry) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.expenses.insert(ctx, tx, expense); err != nil {
			return err
		}
		if audit != nil {
			return s.audit.append(ctx, tx, audit)
		}
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "expense %q already exists", expense.ID)
	}
	return storeErr(err)
}

func (s *PostgresStore) GetExpense(ctx context.Context, id string) (*Expense, error) {
	e, err := s.expenses.GetByID(ctx, s.db, id)
	return e, storeErr(err)
}

func (s *PostgresStore) ListExpenses(ctx context.Context, filter ExpenseFilter) ([]*Expense, int64, error) {
	list, total, err := s.expenses.List(ctx, s.db, filter)
	return list, total, storeErr(err)
}

func (s *PostgresStore) GetChecklist(ctx context.Context, expenseID string, round int) (*Checklist, error) {
	c, err := s.checklists.Get(ctx, s.db, expenseID, round)
	return c, storeErr(err)
}

func (s *PostgresStore) ListOpenChecklistsForApprover(ctx context.Context, approverID string) ([]*Checklist, error) {
	list, err := s.checklists.ListOpenForApprover(ctx, s.db, approverID)
	return list, storeErr(err)
}

// Commit applies a transition in one transaction. The expense update is a
// compare-and-swap on version; nothing else is written when it misses.
func (s *PostgresStore) Commit(ctx context.Context, t *Transition) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		ok, err := s.expenses.compareAndSwap(ctx, tx, t.Expense, t.ExpectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			found, err := s.expenses.exists(ctx, tx, t.Expense.ID)
			if err != nil {
				return err
			}
			if !found {
				return errors.NotFound("expense", t.Expense.ID)
			}
			return errors.VersionConflict("expense", t.Expense.ID)
		}

		if t.Checklist != nil {
			if err := s.checklists.upsert(ctx, tx, t.Checklist); err != nil {
				return err
			}
		}
		for _, a := range t.Audit {
			if err := s.audit.append(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(err)
	}
	t.Expense.Version = t.ExpectedVersion + 1
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, expenseID string) ([]*AuditEntry, error) {
	list, err := s.audit.ListByExpense(ctx, s.db, expenseID)
	return list, storeErr(err)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr(s.db.Ping(ctx))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
