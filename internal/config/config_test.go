package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pricing.SubjectFee != 375.00 {
		t.Errorf("expected default subject fee, got %f", cfg.Pricing.SubjectFee)
	}
	if cfg.Pipeline.GlobalTimeout != 5*time.Second {
		t.Errorf("expected default pipeline timeout, got %v", cfg.Pipeline.GlobalTimeout)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadpipe.yaml")
	content := []byte("pricing:\n  subject_fee: 420.50\nrate_limit:\n  max_per_window: 20\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pricing.SubjectFee != 420.50 {
		t.Errorf("expected file override 420.50, got %f", cfg.Pricing.SubjectFee)
	}
	if cfg.RateLimit.MaxPerWindow != 20 {
		t.Errorf("expected file override 20, got %d", cfg.RateLimit.MaxPerWindow)
	}
	// Untouched keys keep defaults.
	if cfg.Pricing.EnrollmentFee != 100.00 {
		t.Errorf("expected default enrollment fee, got %f", cfg.Pricing.EnrollmentFee)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LEADPIPE_PRICING__SUBJECT_FEE", "399.99")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pricing.SubjectFee != 399.99 {
		t.Errorf("expected env override 399.99, got %f", cfg.Pricing.SubjectFee)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Pipeline.GlobalTimeout = 0 },
		func(c *Config) { c.RateLimit.MaxPerWindow = 0 },
		func(c *Config) { c.Handoff.Threshold = 1.5 },
		func(c *Config) { c.Hours.Timezone = "Mars/Olympus" },
		func(c *Config) { c.Hours.Windows = []DayWindow{{Weekday: "Monday", Open: "25:00", Close: "26:00"}} },
		func(c *Config) { c.Providers.DailyBudget = -1 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestClockMinutes(t *testing.T) {
	m, err := ClockMinutes("09:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != 9*60+30 {
		t.Errorf("expected 570, got %d", m)
	}
	if _, err := ClockMinutes("whenever"); err == nil {
		t.Error("expected error for non-clock value")
	}
}
