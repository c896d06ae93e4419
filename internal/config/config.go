package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/store"
)

// Journal backends.
const (
	JournalSQLite = "sqlite"
	JournalRedis  = "redis"
	JournalNone   = "none"
)

// Config holds application configuration loaded from LOBBYLINK_* environment
// variables. Command-line flags may override it after Load.
type Config struct {
	ListenAddr   string `env:"LOBBYLINK_LISTEN_ADDR,default=:8080"`
	LogLevelName string `env:"LOBBYLINK_LOG_LEVEL,default=info"`
	LogLevel     slog.Level

	Journal string `env:"LOBBYLINK_JOURNAL,default=sqlite"`
	DBPath  string `env:"LOBBYLINK_DB_PATH,default=lobbylink.db"`
	Redis   store.RedisConfig

	BaseURL     string `env:"LOBBYLINK_BASE_URL,default=http://localhost:9000"`
	RealtimeURL string `env:"LOBBYLINK_REALTIME_URL,default=ws://localhost:9000/lobby/"`
	Reconnect   bool   `env:"LOBBYLINK_RECONNECT,default=true"`
	Language    string `env:"LOBBYLINK_LANGUAGE,default=en"`

	SessionMode    string `env:"LOBBYLINK_SESSION_MODE,default=session"`
	CloseCodesFile string `env:"LOBBYLINK_CLOSE_CODES"`

	BackendWorkers int           `env:"LOBBYLINK_BACKEND_WORKERS,default=8"`
	BackendRPS     float64       `env:"LOBBYLINK_BACKEND_RPS,default=20"`
	BackendBurst   int           `env:"LOBBYLINK_BACKEND_BURST,default=40"`
	BackendTimeout time.Duration `env:"LOBBYLINK_BACKEND_TIMEOUT,default=30s"`
	TickInterval   time.Duration `env:"LOBBYLINK_TICK_INTERVAL,default=50ms"`

	ClientID     string `env:"LOBBYLINK_CLIENT_ID"`
	ClientSecret string `env:"LOBBYLINK_CLIENT_SECRET"`
}

// Load reads configuration from the environment, applying tag defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.LogLevel = ParseLogLevel(cfg.LogLevelName)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	switch c.Journal {
	case JournalSQLite, JournalRedis, JournalNone:
	default:
		return fmt.Errorf("unknown journal %q", c.Journal)
	}
	switch c.SessionMode {
	case connection.ModeParty, connection.ModeSession:
	default:
		return fmt.Errorf("unknown session mode %q", c.SessionMode)
	}
	if c.BackendWorkers <= 0 {
		return fmt.Errorf("backend workers must be positive, got %d", c.BackendWorkers)
	}
	return nil
}

// CloseCodeTable returns the configured close-code table, or the default
// table when no file is set.
func (c Config) CloseCodeTable() (*connection.CloseCodeTable, error) {
	if c.CloseCodesFile == "" {
		return connection.DefaultCloseCodeTable(), nil
	}
	return connection.LoadCloseCodeTable(c.CloseCodesFile)
}

// OpenJournal opens the configured task journal. JournalNone yields a nil
// store, which the scheduler accepts.
func (c Config) OpenJournal() (store.Store, error) {
	switch c.Journal {
	case JournalSQLite:
		return store.NewSQLiteStore(c.DBPath)
	case JournalRedis:
		return store.NewRedisStore(c.Redis)
	default:
		return nil, nil
	}
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
