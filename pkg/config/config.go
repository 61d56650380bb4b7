// Package config loads the orchestrator's runtime configuration from
// environment variables (with optional .env support for local development),
// following the reference corpus's typed env-var binding pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the HTTP and node-channel listener.
type ServerConfig struct {
	Port   int    `env:"PORT,default=8080"`
	WSPath string `env:"WS_PATH,default=/ws/node"`
}

// AdminConfig holds the shared secret used by operator-only endpoints
// (test credits, force-eviction, node listing across workspaces).
type AdminConfig struct {
	Key string `env:"ADMIN_KEY"`
}

// SchedulerConfig holds the dispatch, eviction and GC timing variables and
// the pending-queue cap. The services do not read these fields; the
// intervals, retention and cap in use are constants in the registry and
// scheduler packages.
type SchedulerConfig struct {
	DispatchInterval time.Duration `env:"DISPATCH_INTERVAL,default=1s"`
	EvictionInterval time.Duration `env:"EVICTION_INTERVAL,default=30s"`
	EvictionTimeout  time.Duration `env:"EVICTION_TIMEOUT,default=30s"`
	GCInterval       time.Duration `env:"GC_INTERVAL,default=1h"`
	GCRetention      time.Duration `env:"GC_RETENTION,default=24h"`
	MaxPending       int           `env:"SCHEDULER_MAX_PENDING,default=10000"`
}

// PaymentConfig holds the platform fee rate variable. The payment service
// does not read it; the fee is its FeeRateNumerator/FeeRateDenominator
// constant.
type PaymentConfig struct {
	FeeRate float64 `env:"PLATFORM_FEE_RATE,default=0.05"`
}

// WorkspaceConfig controls the workspace directory's snapshot file.
type WorkspaceConfig struct {
	StorePath string `env:"WORKSPACE_STORE_PATH,default=./data/workspaces.json"`
}

// SessionConfig selects and configures the auth session backend.
type SessionConfig struct {
	Store     string `env:"SESSION_STORE,default=memory"`
	RedisAddr string `env:"REDIS_ADDR"`
}

// AuthConfig controls bearer-session issuance.
type AuthConfig struct {
	SigningKey string `env:"AUTH_SIGNING_KEY,default=dev-insecure-signing-key"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
}

// DatabaseConfig controls the optional Postgres-backed stores. When DSN is
// empty the orchestrator runs fully in-memory. Only DSN is passed to
// postgres.Open, which always applies migrations and leaves the pool at
// the driver's defaults; MaxOpenConns, MaxIdleConns and MigrateOnStart
// are not read.
type DatabaseConfig struct {
	DSN            string `env:"DATABASE_URL"`
	MaxOpenConns   int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns   int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	MigrateOnStart bool   `env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig
	Admin     AdminConfig
	Scheduler SchedulerConfig
	Payment   PaymentConfig
	Workspace WorkspaceConfig
	Session   SessionConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
}

// Load reads .env (if present) then decodes environment variables into a
// Config populated with the defaults declared above.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field had an environment override;
		// treat that as "defaults only" so a bare `go run` works locally.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}

// UsesPostgres reports whether a database DSN is configured.
func (c *Config) UsesPostgres() bool {
	return c != nil && strings.TrimSpace(c.Database.DSN) != ""
}

// UsesRedisSessions reports whether the redis session backend is selected.
func (c *Config) UsesRedisSessions() bool {
	return c != nil && strings.EqualFold(c.Session.Store, "redis")
}
