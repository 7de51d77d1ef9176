package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expenses/internal/database"
	"github.com/pesio-ai/be-expenses/internal/errors"
)

// OrgUser is one row of the org directory.
type OrgUser struct {
	UserID    string   `yaml:"id"`
	ManagerID *string  `yaml:"manager,omitempty"`
	OrgUnit   string   `yaml:"org_unit,omitempty"`
	Roles     []string `yaml:"roles,omitempty"`
}

// DirectoryRepository answers org directory lookups from the org_users table.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// ManagerChainOf returns the user's managers, direct manager first. Cycles in
// the table are cut at the first repeated user.
func (r *DirectoryRepository) ManagerChainOf(ctx context.Context, userID string) ([]string, error) {
	if err := r.ensureUser(ctx, userID); err != nil {
		return nil, err
	}

	query := `
		WITH RECURSIVE chain (user_id, manager_id, depth, path) AS (
		    SELECT user_id, manager_id, 0, ARRAY[user_id]
		    FROM org_users
		    WHERE user_id = $1
		  UNION ALL
		    SELECT u.user_id, u.manager_id, c.depth + 1, c.path || u.user_id
		    FROM org_users u
		    JOIN chain c ON u.user_id = c.manager_id
		    WHERE NOT u.user_id = ANY(c.path)
		)
		SELECT user_id FROM chain WHERE depth > 0 ORDER BY depth ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("manager chain: %w", err))
	}
	chain, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr(err)
	}
	return chain, nil
}

// OrgUnitOf returns the user's org unit, empty when unassigned.
func (r *DirectoryRepository) OrgUnitOf(ctx context.Context, userID string) (string, error) {
	var unit string
	err := r.db.QueryRow(ctx, `SELECT org_unit FROM org_users WHERE user_id = $1`, userID).Scan(&unit)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("user", userID)
	}
	if err != nil {
		return "", storeErr(err)
	}
	return unit, nil
}

// UsersWithRole returns every user holding role, ordered by ID.
func (r *DirectoryRepository) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM org_users WHERE $1 = ANY(roles) ORDER BY user_id ASC`, role)
	if err != nil {
		return nil, storeErr(fmt.Errorf("users with role: %w", err))
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr(err)
	}
	return users, nil
}

// Upsert writes directory rows, used when seeding from a file. Managers are
// written in a second pass so rows may reference each other in any order.
func (r *DirectoryRepository) Upsert(ctx context.Context, users []OrgUser) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, u := range users {
			roles := u.Roles
			if roles == nil {
				roles = []string{}
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO org_users (user_id, org_unit, roles)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id) DO UPDATE
				SET org_unit = EXCLUDED.org_unit,
				    roles    = EXCLUDED.roles
			`, u.UserID, u.OrgUnit, roles)
			if err != nil {
				return fmt.Errorf("upsert org user %s: %w", u.UserID, err)
			}
		}
		for _, u := range users {
			if _, err := tx.Exec(ctx,
				`UPDATE org_users SET manager_id = $2 WHERE user_id = $1`, u.UserID, u.ManagerID); err != nil {
				return fmt.Errorf("set manager of %s: %w", u.UserID, err)
			}
		}
		return nil
	})
	return storeErr(err)
}

func (r *DirectoryRepository) ensureUser(ctx context.Context, userID string) error {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM org_users WHERE user_id = $1)`, userID).Scan(&ok)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return errors.NotFound("user", userID)
	}
	return nil
}
