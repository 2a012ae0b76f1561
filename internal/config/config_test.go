package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edgecoord/jobqueue/internal/config"
)

func TestLoadFromJobqueueHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".jobqueue")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("sync_interval_sec: 30\nupstream_base_url: http://127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SyncIntervalSec != 30 {
		t.Fatalf("expected sync_interval_sec=30 got %d", cfg.SyncIntervalSec)
	}
	if cfg.UpstreamBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("unexpected upstream_base_url: %q", cfg.UpstreamBaseURL)
	}
}

func TestLoadNeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoadDefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".jobqueue")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SwitchCooldownSec != 5 {
		t.Fatalf("expected default switch_cooldown_sec=5, got %d", cfg.SwitchCooldownSec)
	}
	if cfg.DefaultKeepAliveSec != 300 {
		t.Fatalf("expected default default_keep_alive_sec=300, got %d", cfg.DefaultKeepAliveSec)
	}
	if cfg.InactivityThresholdSec != 1800 {
		t.Fatalf("expected default inactivity_threshold_sec=1800, got %d", cfg.InactivityThresholdSec)
	}
	if cfg.RAMCriticalPercent != 95 {
		t.Fatalf("expected default ram_critical_percent=95, got %d", cfg.RAMCriticalPercent)
	}
	if cfg.LongRequestMs != 180000 {
		t.Fatalf("expected default long_request_ms=180000, got %d", cfg.LongRequestMs)
	}
	if cfg.SyncIntervalSec != 60 {
		t.Fatalf("expected default sync_interval_sec=60, got %d", cfg.SyncIntervalSec)
	}
	if cfg.UnloadCheckSec != 30 {
		t.Fatalf("expected default unload_check_sec=30, got %d", cfg.UnloadCheckSec)
	}
	if cfg.ReaperSec != 60 {
		t.Fatalf("expected default reaper_sec=60, got %d", cfg.ReaperSec)
	}
	if !cfg.BatchingEnabled {
		t.Fatal("expected default batching_enabled=true")
	}
	if cfg.DefaultMaxWaitSec != 120 {
		t.Fatalf("expected default default_max_wait_sec=120, got %d", cfg.DefaultMaxWaitSec)
	}
	if cfg.BatchFlushMs != 500 {
		t.Fatalf("expected default batch_flush_ms=500, got %d", cfg.BatchFlushMs)
	}
	if cfg.BatchFlushChars != 100 {
		t.Fatalf("expected default batch_flush_chars=100, got %d", cfg.BatchFlushChars)
	}
	if cfg.BindAddr != "127.0.0.1:8089" {
		t.Fatalf("expected default bind_addr=127.0.0.1:8089, got %q", cfg.BindAddr)
	}
}

func TestLoadEnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".jobqueue")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("switch_cooldown_sec: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("JOBQUEUE_SWITCH_COOLDOWN_SEC", "9")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SwitchCooldownSec != 9 {
		t.Fatalf("expected env override switch_cooldown_sec=9 got %d", cfg.SwitchCooldownSec)
	}
}

func TestLoadDBPathJoinedWithHomeDir(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".jobqueue")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("db_path: custom.db\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := filepath.Join(ic, "custom.db")
	if cfg.DBPath != want {
		t.Fatalf("expected db_path=%s, got %q", want, cfg.DBPath)
	}
}

func TestFingerprintStableAcrossIdenticalConfig(t *testing.T) {
	a := config.Config{UpstreamBaseURL: "http://x", SwitchCooldownSec: 5}
	b := config.Config{UpstreamBaseURL: "http://x", SwitchCooldownSec: 5}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical configs to fingerprint the same")
	}
}

func TestFingerprintChangesWithKnob(t *testing.T) {
	a := config.Config{SwitchCooldownSec: 5}
	b := config.Config{SwitchCooldownSec: 6}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected differing switch_cooldown_sec to change the fingerprint")
	}
}

func TestSetDefaultKeepAliveWritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("sync_interval_sec: 45\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetDefaultKeepAlive(homeDir, 600); err != nil {
		t.Fatalf("SetDefaultKeepAlive: %v", err)
	}

	t.Setenv("JOBQUEUE_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.DefaultKeepAliveSec != 600 {
		t.Fatalf("expected default_keep_alive_sec=600, got %d", cfg.DefaultKeepAliveSec)
	}
	if cfg.SyncIntervalSec != 45 {
		t.Fatalf("expected sync_interval_sec=45 preserved, got %d", cfg.SyncIntervalSec)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Config{
		SwitchCooldownSec:      5,
		InactivityThresholdSec: 1800,
		SyncIntervalSec:        60,
		UnloadCheckSec:         30,
		ReaperSec:              60,
		BatchFlushMs:           500,
		PurgeRetentionHours:    24,
	}
	if cfg.SwitchCooldown().Seconds() != 5 {
		t.Fatalf("SwitchCooldown() = %v", cfg.SwitchCooldown())
	}
	if cfg.InactivityThreshold().Seconds() != 1800 {
		t.Fatalf("InactivityThreshold() = %v", cfg.InactivityThreshold())
	}
	if cfg.BatchFlushInterval().Milliseconds() != 500 {
		t.Fatalf("BatchFlushInterval() = %v", cfg.BatchFlushInterval())
	}
	if cfg.PurgeRetention().Hours() != 24 {
		t.Fatalf("PurgeRetention() = %v", cfg.PurgeRetention())
	}
}
