package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is only required for the
// postgres store.
type Config struct {
	// Server
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"45s"`

	// Store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"postqueue.db"`

	// Channel locks. An empty REDIS_URL keeps locks in-process.
	RedisURL string        `env:"REDIS_URL"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"10m"`

	// Per-channel limits come from CHANNELS_FILE when set, else the defaults.
	ChannelsFile  string        `env:"CHANNELS_FILE"`
	DefaultMinGap time.Duration `env:"DEFAULT_MIN_GAP" envDefault:"30m"`
	Channels      map[domain.Channel]domain.ChannelLimits

	// Deduplication and scheduling
	DedupWindow    time.Duration `env:"DEDUP_WINDOW" envDefault:"6h"`
	PromoteAfter   time.Duration `env:"PROMOTE_AFTER" envDefault:"24h"`
	CandidateLimit int           `env:"CANDIDATE_LIMIT" envDefault:"1000"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"5"`
	MaxParallel    int           `env:"MAX_PARALLEL_CHANNELS" envDefault:"4"`

	// Retry/backoff
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"1m"`
	RetryMax    time.Duration `env:"RETRY_MAX" envDefault:"1h"`
	RetryJitter float64       `env:"RETRY_JITTER" envDefault:"0.2"`

	// Publishers
	PublishTimeout   time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"30s"`
	WebhookURL       string        `env:"PUBLISHER_WEBHOOK_URL"`
	WebhookChannels  []string      `env:"PUBLISHER_WEBHOOK_CHANNELS" envSeparator:","`
	TelegramAPIURL   string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `env:"TELEGRAM_CHAT_ID"`

	// Daemon
	DaemonInterval  time.Duration `env:"DAEMON_INTERVAL" envDefault:"10m"`
	StuckAfter      time.Duration `env:"STUCK_AFTER" envDefault:"2h"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	RetentionDays   int           `env:"RETENTION_DAYS" envDefault:"7"`
}

// Load reads an optional .env file, parses the environment and the channel
// limits file, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	channels := DefaultChannels(cfg.DefaultMinGap)
	if cfg.ChannelsFile != "" {
		var err error
		channels, err = LoadChannels(cfg.ChannelsFile, cfg.DefaultMinGap)
		if err != nil {
			return nil, err
		}
	}
	cfg.Channels = channels

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the queue cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel must be configured")
	}
	for ch, l := range c.Channels {
		if err := validateLimits(ch, l); err != nil {
			return err
		}
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("RETRY_BASE must be positive and not exceed RETRY_MAX")
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1)")
	}
	if c.DedupWindow <= 0 || c.PromoteAfter <= 0 || c.StuckAfter <= 0 {
		return fmt.Errorf("DEDUP_WINDOW, PROMOTE_AFTER and STUCK_AFTER must be positive")
	}
	if c.BatchSize < 1 || c.CandidateLimit < 1 || c.MaxParallel < 1 {
		return fmt.Errorf("BATCH_SIZE, CANDIDATE_LIMIT and MAX_PARALLEL_CHANNELS must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1")
	}
	if c.DaemonInterval <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("DAEMON_INTERVAL and CLEANUP_INTERVAL must be positive")
	}
	if c.PublishTimeout <= 0 || c.LockTTL <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("PUBLISH_TIMEOUT, LOCK_TTL and SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// IsChannel reports whether ch is configured.
func (c *Config) IsChannel(ch domain.Channel) bool {
	_, ok := c.Channels[ch]
	return ok
}
