package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/EduPipe/LeadPipe/internal/api"
	"github.com/EduPipe/LeadPipe/internal/cache"
	"github.com/EduPipe/LeadPipe/internal/calendar"
	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/flow"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/lockfile"
	"github.com/EduPipe/LeadPipe/internal/messaging"
	"github.com/EduPipe/LeadPipe/internal/pipeline"
	"github.com/EduPipe/LeadPipe/internal/postprocess"
	"github.com/EduPipe/LeadPipe/internal/preprocess"
	"github.com/EduPipe/LeadPipe/internal/recovery"
	"github.com/EduPipe/LeadPipe/internal/rules"
	"github.com/EduPipe/LeadPipe/internal/scheduler"
	"github.com/EduPipe/LeadPipe/internal/store"
	"github.com/EduPipe/LeadPipe/internal/twiliowhatsapp"
	"github.com/EduPipe/LeadPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadpipe.db"
)

func main() {
	initializeLogger()

	env := loadEnvironmentConfig()
	flags := parseCommandLineFlags(env)

	if err := run(flags); err != nil {
		slog.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LeadPipe exited successfully")
}

// EnvConfig holds environment configuration consulted before flag parsing.
type EnvConfig struct {
	ConfigPath  string
	DatabaseURL string
	StateDir    string
	APIAddr     string
	Messaging   string
}

// Flags holds command line flag values
type Flags struct {
	configPath *string
	dbDSN      *string
	stateDir   *string
	apiAddr    *string
	messaging  *string
	qrOutput   *string
	numeric    *bool
}

// initializeLogger sets up structured logging. LEADPIPE_DEBUG=true enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if envFlag("LEADPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// envFlag reads a boolean environment variable, falling back to def when the
// variable is unset or unparseable.
func envFlag(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		slog.Warn("Ignoring invalid boolean environment value", "key", key, "value", raw)
		return def
	}
	return v
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() EnvConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := EnvConfig{
		ConfigPath:  os.Getenv("LEADPIPE_CONFIG"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("LEADPIPE_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		Messaging:   os.Getenv("LEADPIPE_MESSAGING"),
	}

	if env.StateDir == "" {
		env.StateDir = DefaultStateDir
		slog.Debug("No LEADPIPE_STATE_DIR set, using default", "default_state_dir", env.StateDir)
	}
	if env.DatabaseURL == "" {
		env.DatabaseURL = filepath.Join(env.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", env.DatabaseURL)
	}
	if env.Messaging == "" {
		env.Messaging = "whatsapp"
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_CONFIG", env.ConfigPath,
		"DATABASE_URL_SET", env.DatabaseURL != "",
		"LEADPIPE_STATE_DIR", env.StateDir,
		"API_ADDR", env.APIAddr,
		"LEADPIPE_MESSAGING", env.Messaging)

	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(env EnvConfig) Flags {
	flags := Flags{
		configPath: flag.String("config", env.ConfigPath, "path to YAML configuration file (overrides $LEADPIPE_CONFIG)"),
		dbDSN:      flag.String("db-dsn", env.DatabaseURL, "database DSN for conversation storage (overrides $DATABASE_URL)"),
		stateDir:   flag.String("state-dir", env.StateDir, "state directory for LeadPipe data (overrides $LEADPIPE_STATE_DIR)"),
		apiAddr:    flag.String("api-addr", env.APIAddr, "API server address (overrides $API_ADDR)"),
		messaging:  flag.String("messaging", env.Messaging, "messaging backend: whatsapp or twilio (overrides $LEADPIPE_MESSAGING)"),
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"configPath", *flags.configPath,
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"messaging", *flags.messaging,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(dsn string) error {
	if store.DetectDSNType(dsn) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(dsn)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	return os.MkdirAll(stateDir, 0755)
}

// buildStore selects the persistence backend from the DSN.
func buildStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, conversation state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildGenAI assembles the provider failover chain and its cost tracker.
func buildGenAI(cfg config.ProvidersConfig, settings config.BreakerSettings) (genai.Client, *genai.CostTracker, error) {
	tracker := genai.NewCostTracker(cfg.DailyBudget)

	var providers []genai.Provider
	var costs []float64
	for _, pc := range cfg.Order {
		p, err := genai.NewOpenAIProvider(pc)
		if err != nil {
			slog.Warn("Skipping unavailable generation provider", "provider", pc.Name, "error", err)
			continue
		}
		providers = append(providers, p)
		costs = append(costs, pc.CostPerCall)
	}
	if len(providers) == 0 {
		// Fall back to a single provider from the ambient OPENAI_API_KEY.
		p, err := genai.NewOpenAIProvider(config.ProviderConfig{Name: "openai"})
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
		costs = append(costs, 0)
	}

	client := genai.NewFailoverClient(providers, costs, settings, tracker)
	return client, tracker, nil
}

// buildMessaging selects and constructs the messaging backend.
func buildMessaging(backend string, flags Flags) (messaging.Service, error) {
	switch backend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
}

func run(flags Flags) error {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return err
	}
	if *flags.dbDSN != "" {
		cfg.Storage.DSN = *flags.dbDSN
	}
	if *flags.apiAddr != "" {
		cfg.Server.Addr = *flags.apiAddr
	}

	if err := ensureDirectoriesExist(cfg.Storage.DSN); err != nil {
		return err
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	hours, err := rules.NewHours(cfg.Hours)
	if err != nil {
		return err
	}

	gen, tracker, err := buildGenAI(cfg.Providers, cfg.Breakers.Provider)
	if err != nil {
		return err
	}

	var cal calendar.Client
	if cfg.Calendar.BaseURL != "" {
		httpCal, err := calendar.NewHTTPClient(cfg.Calendar)
		if err != nil {
			return err
		}
		cal = httpCal
	} else {
		slog.Warn("No calendar configured, bookings will use the manual confirmation fallback")
	}

	svc, err := buildMessaging(*flags.messaging, flags)
	if err != nil {
		return err
	}

	tiered := cache.NewTiered(cfg.Cache)

	machine := flow.NewMachine(
		rules.NewPricingValidator(cfg.Pricing),
		rules.NewSchedulingValidator(hours),
		rules.NewQualificationTracker(),
		rules.NewHandoffEvaluator(cfg.Handoff),
		hours, gen, cal, cfg.Handoff)

	pre := preprocess.NewStage(cfg.Auth, cfg.RateLimit, hours)
	deliverer := postprocess.NewDeliverer(svc, st, cfg.Delivery)
	post := postprocess.NewStage(cal, cfg.Breakers.Calendar, deliverer)
	orch := pipeline.New(cfg.Pipeline, cfg.Breakers, pre, machine, post, st, tiered)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleBudgetReset(cfg.Providers.ResetCron, tracker); err != nil {
		return err
	}
	if err := sched.ScheduleSessionSweep(cfg.Session, st); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recovery.WarmSessions(ctx, st, tiered, recovery.DefaultWarmLimit)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			slog.Warn("Messaging service stop failed", "error", err)
		}
	}()

	slog.Info("Bootstrapping LeadPipe", "addr", cfg.Server.Addr,
		"storage", cfg.Storage.Driver, "messaging", *flags.messaging)
	srv := api.NewServer(orch, svc, api.WithAddr(cfg.Server.Addr))
	return srv.Run(ctx)
}
