package config

import (
	"testing"
	"time"
)

func TestLoadWithOptions_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SYNC_CRON", "")
	t.Setenv("SYNC_WORKERS", "")
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("DEDUP_WINDOW", "")

	cfg, err := LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncCron != defaultSyncCron {
		t.Fatalf("SyncCron = %q, want %q", cfg.SyncCron, defaultSyncCron)
	}
	if cfg.SyncWorkers != defaultSyncWorkers {
		t.Fatalf("SyncWorkers = %d, want %d", cfg.SyncWorkers, defaultSyncWorkers)
	}
	if cfg.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("MaxAttempts = %d, want %d", cfg.MaxAttempts, defaultMaxAttempts)
	}
	if cfg.DedupWindow != defaultDedupWindow {
		t.Fatalf("DedupWindow = %s, want %s", cfg.DedupWindow, defaultDedupWindow)
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() without DATABASE_URL succeeded")
	}
}

func TestLoadWithOptions_ParsesOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rosterd")
	t.Setenv("SYNC_WORKERS", "7")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("DRAIN_GRACE", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncWorkers != 7 {
		t.Fatalf("SyncWorkers = %d, want 7", cfg.SyncWorkers)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Fatalf("BackoffBase = %s, want 250ms", cfg.BackoffBase)
	}
	if cfg.DrainGrace != time.Minute {
		t.Fatalf("DrainGrace = %s, want 1m", cfg.DrainGrace)
	}
}

func TestLoadWithOptions_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rosterd")
	t.Setenv("SYNC_WORKERS", "zero")
	t.Setenv("BACKOFF_BASE", "-5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SyncWorkers != defaultSyncWorkers {
		t.Fatalf("SyncWorkers = %d, want default %d", cfg.SyncWorkers, defaultSyncWorkers)
	}
	if cfg.BackoffBase != defaultBackoffBase {
		t.Fatalf("BackoffBase = %s, want default %s", cfg.BackoffBase, defaultBackoffBase)
	}
}

func TestUsesVaultKey(t *testing.T) {
	t.Parallel()

	cfg := Config{VaultAddr: "http://vault:8200", VaultKeyPath: "rosterd/key"}
	if !cfg.UsesVaultKey() {
		t.Fatal("UsesVaultKey() = false with vault configured")
	}
	cfg.EncryptionKey = "abc"
	if cfg.UsesVaultKey() {
		t.Fatal("UsesVaultKey() = true with ENCRYPTION_KEY set")
	}
}
