package database

import (
	"strings"
	"testing"
)

func TestMigrationFilesOrdered(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Fatalf("migrations not sorted: %q before %q", files[i-1], files[i])
		}
	}
	if !strings.HasPrefix(files[0], "migrations/0001_") {
		t.Fatalf("unexpected first migration %q", files[0])
	}
}

func TestMigrationsDeclareAppendOnlyAudit(t *testing.T) {
	contents, err := migrationsFS.ReadFile("migrations/0002_approvals.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(contents), "BEFORE UPDATE OR DELETE ON expense_audit_log") {
		t.Fatal("audit log must reject updates and deletes")
	}
}
