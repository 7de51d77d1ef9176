package database

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "expenses_schema_migrations"

// Migrate applies the embedded SQL migrations in file-name order. Each file
// runs in its own transaction and is recorded so it is applied once.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return applied, err
		}

		ran := false
		err = db.InTransaction(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO `+migrationsTable+` (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
				version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := tx.Exec(ctx, string(contents)); err != nil {
				return fmt.Errorf("apply migration %s: %w", version, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, version)
		}
	}
	return applied, nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, path.Join("migrations", e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
