package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("default backend = %q", cfg.Store.Backend)
	}
	if cfg.Reaper.Enabled {
		t.Fatal("reaper must be disabled by default")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runplane.yaml")
	raw := `
server:
  addr: 0.0.0.0:9090
store:
  backend: sqlite
  sqlitePath: /tmp/state.db
compactor:
  budgetTokens: 4000
  keepLast: 6
reaper:
  enabled: true
  schedule: "@every 1m"
  maxAgeMinutes: 30
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/state.db" {
		t.Fatalf("store = %#v", cfg.Store)
	}
	if cfg.Compactor.BudgetTokens != 4000 || cfg.Compactor.KeepLast != 6 {
		t.Fatalf("compactor = %#v", cfg.Compactor)
	}
	if !cfg.Reaper.Enabled || cfg.Reaper.Schedule != "@every 1m" || cfg.Reaper.MaxAgeMinutes != 30 {
		t.Fatalf("reaper = %#v", cfg.Reaper)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runplane.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: 0.0.0.0:9090\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("RUNPLANE_ADDR", "127.0.0.1:7777")
	t.Setenv("RUNPLANE_COMPACT_BUDGET", "1234")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:7777" {
		t.Fatalf("addr = %q, env override lost", cfg.Server.Addr)
	}
	if cfg.Compactor.BudgetTokens != 1234 {
		t.Fatalf("budget = %d, env override lost", cfg.Compactor.BudgetTokens)
	}
}

func TestLoad_ValidatesBackend(t *testing.T) {
	t.Setenv("RUNPLANE_STORE_BACKEND", "cassandra")
	if _, err := Load(""); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestLoad_SQLiteRequiresPath(t *testing.T) {
	t.Setenv("RUNPLANE_STORE_BACKEND", "sqlite")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing sqlitePath error")
	}
}

func TestLoad_HybridRequiresBothStores(t *testing.T) {
	t.Setenv("RUNPLANE_STORE_BACKEND", "hybrid")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing sqlitePath error")
	}

	t.Setenv("RUNPLANE_SQLITE_PATH", "/tmp/state.db")
	if _, err := Load(""); err == nil {
		t.Fatal("expected missing redisAddr error")
	}

	t.Setenv("RUNPLANE_REDIS_ADDR", "127.0.0.1:6379")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != "hybrid" {
		t.Fatalf("backend = %q", cfg.Store.Backend)
	}
}

func TestParseBoolString(t *testing.T) {
	cases := map[string]bool{
		"1": true, "true": true, "YES": true, "on": true,
		"0": false, "false": false, "No": false, "off": false,
	}
	for raw, want := range cases {
		if got := ParseBoolString(raw, !want); got != want {
			t.Fatalf("ParseBoolString(%q) = %v, want %v", raw, got, want)
		}
	}
	if got := ParseBoolString("maybe", true); got != true {
		t.Fatal("fallback not used for unparseable value")
	}
}
