package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "be-expenses" {
		t.Fatalf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
	if cfg.Workflow.StoreTimeout != 5*time.Second {
		t.Fatalf("unexpected store timeout %s", cfg.Workflow.StoreTimeout)
	}
	if cfg.Workflow.FallbackRole != "FINANCE_MANAGER" {
		t.Fatalf("unexpected fallback role %q", cfg.Workflow.FallbackRole)
	}
	if cfg.Workflow.AdminRole != "ADMIN" {
		t.Fatalf("unexpected admin role %q", cfg.Workflow.AdminRole)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 7001
database:
  driver: memory
workflow:
  base_currency: usd
  store_timeout: 2s
  rates:
    EUR: "1.08"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("EXPENSES_SERVER_GRPC_PORT", "7002")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7001 || cfg.Server.GRPCPort != 7002 {
		t.Fatalf("unexpected ports %d/%d", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("unexpected driver %q", cfg.Database.Driver)
	}
	if cfg.Workflow.BaseCurrency != "USD" {
		t.Fatalf("expected upper-cased base currency, got %q", cfg.Workflow.BaseCurrency)
	}
	if cfg.Workflow.StoreTimeout != 2*time.Second {
		t.Fatalf("unexpected store timeout %s", cfg.Workflow.StoreTimeout)
	}
	if cfg.Workflow.Rates["eur"] != "1.08" && cfg.Workflow.Rates["EUR"] != "1.08" {
		t.Fatalf("rates not loaded: %+v", cfg.Workflow.Rates)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("EXPENSES_DATABASE_DRIVER", "oracle")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: 5, Database: "db", SSLMode: "disable"}
	if got := d.DSN(); got != "postgres://u:p@h:5/db?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
