package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/CourtPipe/internal/store"
	"github.com/BTreeMap/CourtPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CourtPipe state data
	DefaultStateDir = "/var/lib/courtpipe"
	// DefaultDBFileName is the ledger database inside the state directory
	DefaultDBFileName = "courtpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store inside the state directory
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	DefaultPendingTTL     = 30 * time.Minute
	DefaultSweepSchedule  = "@every 1m"
	DefaultSessionIdleTTL = 24 * time.Hour
	DefaultAPIAddr        = ":8080"
	DefaultInboundRate    = 2.0

	// MemoryDSN selects the in-memory store; nothing survives a restart.
	MemoryDSN = "memory"
)

// Customer transports.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

// Config is the resolved process configuration. Environment values are loaded first,
// command-line flags override them, and resolve fills the derived defaults.
type Config struct {
	LogLevel          string
	StateDir          string
	DatabaseDSN       string
	RedisURL          string
	CustomerTransport string
	WhatsAppDSN       string
	QROutput          string
	NumericCode       bool
	TwilioWebhookURL  string
	TwilioAuthToken   string
	TelegramToken     string
	AdminChats        []string
	AdminRestrict     bool
	CatalogFile       string
	PendingTTL        time.Duration
	SweepSchedule     string
	SessionIdleTTL    time.Duration
	NATSURL           string
	AMQPURL           string
	APIAddr           string
	Timezone          string
	InboundRate       float64
}

func main() {
	envErr := godotenv.Load()
	cfg, err := parseFlags(flag.CommandLine, loadEnvironmentConfig(), os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)
	if envErr != nil {
		slog.Debug("failed to load .env file", "error", envErr)
	}
	slog.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"dsn_type", store.DetectDSNType(cfg.DatabaseDSN),
		"redis_set", cfg.RedisURL != "",
		"customer_transport", cfg.CustomerTransport,
		"telegram_set", cfg.TelegramToken != "",
		"admin_chats", len(cfg.AdminChats),
		"pending_ttl", cfg.PendingTTL,
		"sweep_schedule", cfg.SweepSchedule,
		"api_addr", cfg.APIAddr,
		"timezone", cfg.Timezone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CourtPipe")
	if err := run(ctx, cfg); err != nil {
		slog.Error("CourtPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CourtPipe exited successfully")
}

// initializeLogger installs a text handler at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig reads the environment. Derived values stay empty until resolve.
func loadEnvironmentConfig() Config {
	return Config{
		LogLevel:          util.StringEnv("COURTPIPE_LOG_LEVEL", "info"),
		StateDir:          util.StringEnv("COURTPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:       util.StringEnv("DATABASE_URL", ""),
		RedisURL:          util.StringEnv("REDIS_URL", ""),
		CustomerTransport: util.StringEnv("CUSTOMER_TRANSPORT", TransportWhatsApp),
		WhatsAppDSN:       util.StringEnv("WHATSAPP_DB_DSN", ""),
		TwilioWebhookURL:  util.StringEnv("TWILIO_WEBHOOK_URL", ""),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TelegramToken:     util.StringEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminChats:        util.SplitList(os.Getenv("ADMIN_CHAT_IDS")),
		AdminRestrict:     util.ParseBoolEnv("ADMIN_RESTRICT", true),
		CatalogFile:       util.StringEnv("CATALOG_FILE", ""),
		PendingTTL:        util.ParseDurationEnv("PENDING_TTL", DefaultPendingTTL),
		SweepSchedule:     util.StringEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
		SessionIdleTTL:    util.ParseDurationEnv("SESSION_IDLE_TTL", DefaultSessionIdleTTL),
		NATSURL:           util.StringEnv("EVENTS_NATS_URL", ""),
		AMQPURL:           util.StringEnv("EVENTS_AMQP_URL", ""),
		APIAddr:           util.StringEnv("API_ADDR", DefaultAPIAddr),
		Timezone:          util.StringEnv("TIMEZONE", "UTC"),
		InboundRate:       util.ParseFloatEnv("INBOUND_RATE", DefaultInboundRate),
	}
}

// parseFlags overrides env with args, then resolves and validates the result.
func parseFlags(fs *flag.FlagSet, cfg Config, args []string) (Config, error) {
	adminChats := strings.Join(cfg.AdminChats, ",")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $COURTPIPE_LOG_LEVEL)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for CourtPipe data (overrides $COURTPIPE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseDSN, "db-dsn", cfg.DatabaseDSN, "ledger DSN: postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for sessions (overrides $REDIS_URL)")
	fs.StringVar(&cfg.CustomerTransport, "customer-transport", cfg.CustomerTransport, "whatsapp, twilio or none (overrides $CUSTOMER_TRANSPORT)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-dsn", cfg.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "print the WhatsApp pairing code instead of a QR block")
	fs.StringVar(&cfg.TelegramToken, "telegram-token", cfg.TelegramToken, "Telegram admin bot token (overrides $TELEGRAM_BOT_TOKEN)")
	fs.StringVar(&adminChats, "admin-chats", adminChats, "comma separated admin chat ids (overrides $ADMIN_CHAT_IDS)")
	fs.BoolVar(&cfg.AdminRestrict, "admin-restrict", cfg.AdminRestrict, "ignore commands from chats outside -admin-chats (overrides $ADMIN_RESTRICT)")
	fs.StringVar(&cfg.CatalogFile, "catalog", cfg.CatalogFile, "JSON catalog file (overrides $CATALOG_FILE)")
	fs.DurationVar(&cfg.PendingTTL, "pending-ttl", cfg.PendingTTL, "pending reservation lifetime (overrides $PENDING_TTL)")
	fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", cfg.SweepSchedule, "cron spec of the expiry sweep (overrides $SWEEP_SCHEDULE)")
	fs.DurationVar(&cfg.SessionIdleTTL, "session-idle-ttl", cfg.SessionIdleTTL, "idle session eviction age, 0 disables (overrides $SESSION_IDLE_TTL)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "publish domain events to NATS (overrides $EVENTS_NATS_URL)")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "publish domain events to RabbitMQ (overrides $EVENTS_AMQP_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "facility time zone (overrides $TIMEZONE)")
	fs.Float64Var(&cfg.InboundRate, "inbound-rate", cfg.InboundRate, "per-customer messages per second, 0 disables (overrides $INBOUND_RATE)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.AdminChats = util.SplitList(adminChats)
	cfg.resolve()
	return cfg, cfg.validate()
}

// resolve fills values that depend on other settings.
func (c *Config) resolve() {
	c.CustomerTransport = strings.ToLower(strings.TrimSpace(c.CustomerTransport))
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDSN == "" {
		// whatsmeow keeps its own tables; a second SQLite file avoids writer contention
		// with the ledger's single connection.
		if store.DetectDSNType(c.DatabaseDSN) == "postgres" {
			c.WhatsAppDSN = c.DatabaseDSN
		} else {
			c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
}

func (c Config) validate() error {
	switch c.CustomerTransport {
	case TransportWhatsApp, TransportTwilio, TransportNone:
	default:
		return fmt.Errorf("unknown customer transport %q", c.CustomerTransport)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("pending TTL must be positive, got %s", c.PendingTTL)
	}
	if c.SessionIdleTTL < 0 {
		return fmt.Errorf("session idle TTL must not be negative, got %s", c.SessionIdleTTL)
	}
	if c.SweepSchedule == "" {
		return fmt.Errorf("sweep schedule must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location loads the facility time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
