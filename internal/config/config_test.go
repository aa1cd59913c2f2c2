package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Workers != 4 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Sync.BatchSize != 50 || cfg.Monitor.MaxRows != 10000 {
		t.Errorf("nested defaults = %+v / %+v", cfg.Sync, cfg.Monitor)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yml")
	data := []byte("listen_addr: \":9090\"\nsync:\n  batch_size: 10\nmonitor:\n  auto_heal: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Errorf("batch_size = %d", cfg.Sync.BatchSize)
	}
	if !cfg.Monitor.AutoHeal {
		t.Error("auto_heal not applied")
	}
	// Untouched keys keep their defaults.
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want default 4", cfg.Workers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yml")
	if err := os.WriteFile(path, []byte("db_path: from-file.db\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNCD_DB_PATH", "from-env.db")
	t.Setenv("SYNCD_WORKERS", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "from-env.db" {
		t.Errorf("db_path = %q, want env override", cfg.DBPath)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Workers)
	}
}

func TestMissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err != nil {
		t.Fatalf("missing file must not error, got %v", err)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("10m", time.Hour); got != 10*time.Minute {
		t.Errorf("Duration(10m) = %v", got)
	}
	if got := Duration("", time.Hour); got != time.Hour {
		t.Errorf("Duration(empty) = %v", got)
	}
	if got := Duration("bogus", time.Hour); got != time.Hour {
		t.Errorf("Duration(bogus) = %v", got)
	}
}
