// Package config loads the LeadPipe configuration surface.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then LEADPIPE_* environment variables. All operational numbers (rate
// limits, business hours, pricing, breaker thresholds, cache sizing, cost
// budget, pipeline timeout) live here and are never hardcoded elsewhere.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Hours     HoursConfig     `koanf:"business_hours"`
	Pricing   PricingConfig   `koanf:"pricing"`
	Breakers  BreakerConfig   `koanf:"breakers"`
	Cache     CacheConfig     `koanf:"cache"`
	Providers ProvidersConfig `koanf:"providers"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Handoff   HandoffConfig   `koanf:"handoff"`
	Calendar  CalendarConfig  `koanf:"calendar"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Session   SessionConfig   `koanf:"session"`
}

// ServerConfig configures the inbound webhook listener.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite3 or postgres
	DSN    string `koanf:"dsn"`
}

// AuthConfig lists accepted gateway credentials. Presented credentials may
// be plain or base64-encoded.
type AuthConfig struct {
	AcceptedTokens []string `koanf:"accepted_tokens"`
}

// RateLimitConfig configures the per-sender sliding window limiter and the
// global inbound guard.
type RateLimitConfig struct {
	Window       time.Duration `koanf:"window"`
	MaxPerWindow int           `koanf:"max_per_window"`
	Burst        int           `koanf:"burst"`
	GlobalPerSec float64       `koanf:"global_per_sec"`
	GlobalBurst  int           `koanf:"global_burst"`
}

// DayWindow is one weekday open interval, e.g. 09:00-18:00.
type DayWindow struct {
	Weekday string `koanf:"weekday"` // Monday..Sunday
	Open    string `koanf:"open"`    // HH:MM
	Close   string `koanf:"close"`   // HH:MM
}

// HoursConfig configures the business-hours gate and the holiday calendar.
type HoursConfig struct {
	Timezone string      `koanf:"timezone"`
	Windows  []DayWindow `koanf:"windows"`
	Holidays []string    `koanf:"holidays"` // YYYY-MM-DD
}

// PricingConfig holds the fee constants the pricing validator enforces.
type PricingConfig struct {
	Currency      string  `koanf:"currency"`
	SubjectFee    float64 `koanf:"subject_fee"`
	EnrollmentFee float64 `koanf:"enrollment_fee"`
}

// BreakerSettings configures one circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
}

// BreakerConfig holds per-stage and per-dependency breaker settings.
type BreakerConfig struct {
	Preprocess   BreakerSettings `koanf:"preprocess"`
	StateMachine BreakerSettings `koanf:"state_machine"`
	Postprocess  BreakerSettings `koanf:"postprocess"`
	Provider     BreakerSettings `koanf:"provider"`
	Calendar     BreakerSettings `koanf:"calendar"`
}

// CacheTierConfig configures one cache tier.
type CacheTierConfig struct {
	MaxEntries int           `koanf:"max_entries"`
	TTL        time.Duration `koanf:"ttl"`
}

// CacheConfig configures the three cache tiers. L2 and L3 share one redis
// deployment; they differ by logical DB, key prefix and TTL.
type CacheConfig struct {
	L1           CacheTierConfig `koanf:"l1"`
	L2           CacheTierConfig `koanf:"l2"`
	L3           CacheTierConfig `koanf:"l3"`
	RedisAddr    string          `koanf:"redis_addr"`
	RedisDB      int             `koanf:"redis_db"`
	RedisL3DB    int             `koanf:"redis_l3_db"`
	WriteTimeout time.Duration   `koanf:"write_timeout"`
	ReadTimeout  time.Duration   `koanf:"read_timeout"`
}

// ProviderConfig configures one generation provider.
type ProviderConfig struct {
	Name        string        `koanf:"name"`
	Model       string        `koanf:"model"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	CostPerCall float64       `koanf:"cost_per_call"`
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// ProvidersConfig holds the ordered provider list and the daily cost budget.
type ProvidersConfig struct {
	Order       []ProviderConfig `koanf:"order"`
	DailyBudget float64          `koanf:"daily_budget"`
	ResetCron   string           `koanf:"reset_cron"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	GlobalTimeout time.Duration `koanf:"global_timeout"`
	RetryAttempts int           `koanf:"retry_attempts"`
	RetryBase     time.Duration `koanf:"retry_base"`
}

// HandoffConfig configures the handoff evaluator.
type HandoffConfig struct {
	Threshold          float64 `koanf:"threshold"`
	ContactMessage     string  `koanf:"contact_message"`
	MaxValidationFails int     `koanf:"max_validation_fails"`
}

// CalendarConfig configures the external calendar collaborator client.
type CalendarConfig struct {
	BaseURL     string        `koanf:"base_url"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// DeliveryConfig configures outbound delivery retry behavior.
type DeliveryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	RetryBase   time.Duration `koanf:"retry_base"`
}

// SessionConfig configures conversation expiry.
type SessionConfig struct {
	InactivityWindow time.Duration `koanf:"inactivity_window"`
	SweepCron        string        `koanf:"sweep_cron"`
}

// Default returns the built-in configuration defaults. Every value here is
// overridable via file or environment.
func Default() Config {
	weekdays := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}
	windows := make([]DayWindow, 0, len(weekdays)+1)
	for _, d := range weekdays {
		windows = append(windows, DayWindow{Weekday: d, Open: "09:00", Close: "18:00"})
	}
	windows = append(windows, DayWindow{Weekday: "Saturday", Open: "09:00", Close: "13:00"})

	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{Driver: "sqlite3", DSN: "/var/lib/leadpipe/leadpipe.db"},
		RateLimit: RateLimitConfig{
			Window:       time.Minute,
			MaxPerWindow: 10,
			Burst:        3,
			GlobalPerSec: 50,
			GlobalBurst:  100,
		},
		Hours: HoursConfig{
			Timezone: "America/Sao_Paulo",
			Windows:  windows,
		},
		Pricing: PricingConfig{Currency: "R$", SubjectFee: 375.00, EnrollmentFee: 100.00},
		Breakers: BreakerConfig{
			Preprocess:   BreakerSettings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			StateMachine: BreakerSettings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			Postprocess:  BreakerSettings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
			Provider:     BreakerSettings{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
			Calendar:     BreakerSettings{FailureThreshold: 3, RecoveryTimeout: 120 * time.Second},
		},
		Cache: CacheConfig{
			L1:           CacheTierConfig{MaxEntries: 1024, TTL: 30 * time.Second},
			L2:           CacheTierConfig{MaxEntries: 10000, TTL: 30 * time.Minute},
			L3:           CacheTierConfig{MaxEntries: 50000, TTL: 24 * time.Hour},
			RedisAddr:    "localhost:6379",
			RedisDB:      0,
			RedisL3DB:    1,
			WriteTimeout: 150 * time.Millisecond,
			ReadTimeout:  100 * time.Millisecond,
		},
		Providers: ProvidersConfig{
			DailyBudget: 25.0,
			ResetCron:   "0 0 * * *",
		},
		Pipeline: PipelineConfig{
			GlobalTimeout: 5 * time.Second,
			RetryAttempts: 2,
			RetryBase:     100 * time.Millisecond,
		},
		Handoff: HandoffConfig{
			Threshold:          0.7,
			MaxValidationFails: 3,
			ContactMessage:     "Para continuar seu atendimento, entre em contato pelo telefone (11) 4002-8922.",
		},
		Calendar: CalendarConfig{CallTimeout: 2 * time.Second},
		Delivery: DeliveryConfig{MaxAttempts: 3, RetryBase: 200 * time.Millisecond},
		Session:  SessionConfig{InactivityWindow: 30 * time.Minute, SweepCron: "*/10 * * * *"},
	}
}

// Load reads configuration from an optional YAML file path and LEADPIPE_*
// environment variables, layered over the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	// Unmarshal merges over the defaults; keys absent from file and
	// environment keep their default values.
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
			slog.Debug("config file loaded", "path", path)
		} else {
			slog.Debug("config file not found, using defaults", "path", path)
		}
	}

	// LEADPIPE_PRICING__SUBJECT_FEE=375 -> pricing.subject_fee
	err := k.Load(env.Provider("LEADPIPE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "LEADPIPE_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return cfg, fmt.Errorf("failed to load environment config: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.GlobalTimeout <= 0 {
		return fmt.Errorf("pipeline.global_timeout must be positive")
	}
	if c.Pipeline.RetryAttempts < 0 {
		return fmt.Errorf("pipeline.retry_attempts cannot be negative")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate_limit.window and rate_limit.max_per_window must be positive")
	}
	if c.Providers.DailyBudget < 0 {
		return fmt.Errorf("providers.daily_budget cannot be negative")
	}
	if c.Pricing.SubjectFee < 0 || c.Pricing.EnrollmentFee < 0 {
		return fmt.Errorf("pricing fees cannot be negative")
	}
	if c.Handoff.Threshold <= 0 || c.Handoff.Threshold > 1 {
		return fmt.Errorf("handoff.threshold must be in (0, 1]")
	}
	if _, err := time.LoadLocation(c.Hours.Timezone); err != nil {
		return fmt.Errorf("business_hours.timezone invalid: %w", err)
	}
	for _, w := range c.Hours.Windows {
		if _, err := parseClock(w.Open); err != nil {
			return fmt.Errorf("business_hours window open %q: %w", w.Open, err)
		}
		if _, err := parseClock(w.Close); err != nil {
			return fmt.Errorf("business_hours window close %q: %w", w.Close, err)
		}
	}
	return nil
}

// parseClock parses an HH:MM clock string into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM: %w", err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value out of range: %s", s)
	}
	return h*60 + m, nil
}

// ClockMinutes exposes parseClock for packages consuming DayWindow values.
func ClockMinutes(s string) (int, error) {
	return parseClock(s)
}
