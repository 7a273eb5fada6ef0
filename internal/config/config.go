package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig is shared by every guestpool subcommand. Values come from
// GUESTPOOL_* environment variables first, then command-line flags.
type ServerConfig struct {
	DBPath         string `env:"GUESTPOOL_DB_PATH"           envDefault:"./guestpool.db"`
	DBMaxOpenConns int    `env:"GUESTPOOL_DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns int    `env:"GUESTPOOL_DB_MAX_IDLE_CONNS" envDefault:"10"`
	AutoMigrate    bool   `env:"GUESTPOOL_AUTO_MIGRATE"      envDefault:"true"`
	MigrateTo      string `env:"GUESTPOOL_MIGRATE_TO"`

	PoolSize      int           `env:"GUESTPOOL_POOL_SIZE"      envDefault:"4"`
	LeaseDuration time.Duration `env:"GUESTPOOL_LEASE_DURATION" envDefault:"1h"`
	TemplateDir   string        `env:"GUESTPOOL_TEMPLATE_DIR"`
	WorkspacesDir string        `env:"GUESTPOOL_WORKSPACES_DIR" envDefault:"./workspaces"`

	Listen           string        `env:"GUESTPOOL_LISTEN"            envDefault:":8080"`
	LogLevel         string        `env:"GUESTPOOL_LOG_LEVEL"         envDefault:"info"`
	RequestTimeout   time.Duration `env:"GUESTPOOL_REQUEST_TIMEOUT"   envDefault:"30s"`
	SweepInterval    time.Duration `env:"GUESTPOOL_SWEEP_INTERVAL"    envDefault:"1m"`
	RestockInterval  time.Duration `env:"GUESTPOOL_RESTOCK_INTERVAL"  envDefault:"10m"`
	SessionRetention time.Duration `env:"GUESTPOOL_SESSION_RETENTION" envDefault:"24h"`
	CookieSecure     bool          `env:"GUESTPOOL_COOKIE_SECURE"`

	MirrorURL     string        `env:"GUESTPOOL_MIRROR_URL"`
	MirrorToken   string        `env:"GUESTPOOL_MIRROR_TOKEN"`
	MirrorTimeout time.Duration `env:"GUESTPOOL_MIRROR_TIMEOUT" envDefault:"3s"`

	PprofListen string `env:"GUESTPOOL_PPROF_LISTEN"`
}

// ParseServerFlags parses configuration for the server subcommand.
func ParseServerFlags(args []string) (ServerConfig, error) {
	return Parse("server", args)
}

// Parse reads the environment, applies flag overrides from args for the
// named subcommand, and validates the result.
func Parse(name string, args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "Maximum open SQLite connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "Maximum idle SQLite connections")
	fs.BoolVar(&cfg.AutoMigrate, "auto-migrate", cfg.AutoMigrate, "Apply schema migrations on open")
	fs.StringVar(&cfg.MigrateTo, "migrate-to", cfg.MigrateTo, "Stop migrations after this file (e.g. 001_identities.sql)")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Number of pooled guest slots")
	fs.DurationVar(&cfg.LeaseDuration, "lease-duration", cfg.LeaseDuration, "Guest lease lifetime")
	fs.StringVar(&cfg.TemplateDir, "template-dir", cfg.TemplateDir, "Directory copied into every fresh workspace (empty for none)")
	fs.StringVar(&cfg.WorkspacesDir, "workspaces-dir", cfg.WorkspacesDir, "Root directory for guest and user workspaces")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Expired lease sweep interval")
	fs.DurationVar(&cfg.RestockInterval, "restock-interval", cfg.RestockInterval, "Pool restock interval")
	fs.DurationVar(&cfg.SessionRetention, "session-retention", cfg.SessionRetention, "Idle host session retention")
	fs.StringVar(&cfg.MirrorURL, "mirror-url", cfg.MirrorURL, "Auxiliary identity service base URL (optional)")
	fs.DurationVar(&cfg.MirrorTimeout, "mirror-timeout", cfg.MirrorTimeout, "Per-request identity mirror timeout")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "pprof listen address (optional, e.g. 127.0.0.1:6060)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *ServerConfig) validate() error {
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	cfg.TemplateDir = strings.TrimSpace(cfg.TemplateDir)
	cfg.WorkspacesDir = strings.TrimSpace(cfg.WorkspacesDir)
	cfg.MigrateTo = strings.TrimSpace(cfg.MigrateTo)
	cfg.MirrorURL = strings.TrimSpace(cfg.MirrorURL)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if cfg.DBPath == "" {
		return errors.New("missing --db or GUESTPOOL_DB_PATH")
	}
	if cfg.WorkspacesDir == "" {
		return errors.New("missing --workspaces-dir or GUESTPOOL_WORKSPACES_DIR")
	}
	if cfg.PoolSize < 1 {
		return errors.New("pool size must be >= 1")
	}
	if cfg.LeaseDuration <= 0 {
		return errors.New("lease duration must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if cfg.RestockInterval <= 0 {
		return errors.New("restock interval must be > 0")
	}
	if cfg.SessionRetention <= 0 {
		return errors.New("session retention must be > 0")
	}
	if cfg.MirrorTimeout <= 0 {
		return errors.New("mirror timeout must be > 0")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns must be <= db max open conns")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	if cfg.MirrorURL != "" {
		u, err := url.Parse(cfg.MirrorURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("mirror url must be an absolute http(s) URL")
		}
	}
	return nil
}
