package client

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

const directoryYAML = `
users:
  - id: alice
    manager: bob
    org_unit: sales
  - id: bob
    manager: carol
    roles: [FINANCE_MANAGER]
  - id: carol
    manager: alice
  - id: dave
    roles: [FINANCE_MANAGER, AUDITOR]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestStaticDirectory(t *testing.T) {
	users, err := LoadDirectoryFile(writeFile(t, "directory.yaml", directoryYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := NewStaticDirectory(users)
	ctx := context.Background()

	chain, err := dir.ManagerChainOf(ctx, "alice")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if want := []string{"bob", "carol"}; !reflect.DeepEqual(chain, want) {
		t.Fatalf("chain = %v, want %v (cycle back to alice must stop)", chain, want)
	}

	if chain, _ := dir.ManagerChainOf(ctx, "dave"); len(chain) != 0 {
		t.Fatalf("dave chain = %v", chain)
	}
	if _, err := dir.ManagerChainOf(ctx, "nobody"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("unknown user: %v", err)
	}

	if unit, _ := dir.OrgUnitOf(ctx, "alice"); unit != "sales" {
		t.Fatalf("org unit = %q", unit)
	}
	holders, _ := dir.UsersWithRole(ctx, "FINANCE_MANAGER")
	if want := []string{"bob", "dave"}; !reflect.DeepEqual(holders, want) {
		t.Fatalf("holders = %v, want %v", holders, want)
	}
	if none, _ := dir.UsersWithRole(ctx, "CFO"); len(none) != 0 {
		t.Fatalf("CFO holders = %v", none)
	}
}

func TestLoadDirectoryFileRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"missing id": "users:\n  - manager: bob\n",
		"duplicate":  "users:\n  - id: a\n  - id: a\n",
		"not yaml":   "users: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadDirectoryFile(writeFile(t, "d.yaml", body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := LoadDirectoryFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
