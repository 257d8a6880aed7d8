package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.SMS.AckTimeout() != 30*time.Second {
		t.Errorf("ack timeout = %v, want 30s", cfg.SMS.AckTimeout())
	}
	if cfg.Sync.Lookback() != 15*24*time.Hour {
		t.Errorf("lookback = %v, want 360h", cfg.Sync.Lookback())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "work"

[account]
email = "me@example.com"
device_id = "dev-1"

[delivery]
max_attempts = 3

[sync]
lookback_days = 7
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" {
		t.Errorf("default_session = %q, want work", cfg.DefaultSession)
	}
	if cfg.Account.Email != "me@example.com" {
		t.Errorf("email = %q", cfg.Account.Email)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Delivery.MaxAttempts)
	}
	// Unset keys keep defaults.
	if cfg.Delivery.RetryDelaySeconds != 60 {
		t.Errorf("retry delay = %d, want default 60", cfg.Delivery.RetryDelaySeconds)
	}
	if cfg.Sync.LookbackDays != 7 {
		t.Errorf("lookback = %d, want 7", cfg.Sync.LookbackDays)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Delivery.MaxAttempts != 5 {
		t.Error("LoadOrDefault should return defaults")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.DefaultSession = "personal"
	cfg.Mail.Candidates = []string{"a@example.com", "b@example.com"}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultSession != "personal" {
		t.Errorf("default_session = %q", got.DefaultSession)
	}
	if len(got.Mail.Candidates) != 2 {
		t.Errorf("candidates = %v", got.Mail.Candidates)
	}
}
