/*
Package config loads server configuration from .env files and the environment.

PURPOSE:
  One struct, parsed once at startup. .env.local and .env are loaded first
  (missing files are fine) without overriding variables already set, then
  the environment is parsed with struct-tag defaults. cobra flags on `serve` may override the result.

VARIABLES:
  PORT                  HTTP port (8080)
  STORE_BACKEND         sqlite | mongo | memory (sqlite)
  SQLITE_PATH           database file, ":memory:" allowed (attendance.db)
  MONGO_URI             connection string (mongodb://localhost:27017)
  MONGO_DATABASE        database name (attendance_ledger)
  TIME_ZONE             IANA zone used for "today" and date parsing (Asia/Seoul)
  LOG_LEVEL             panic | fatal | error | warn | info | debug | trace (info)
  AUDIT_ENABLED         run the periodic mirror audit (true)
  AUDIT_INTERVAL        time between audits (1h)
  AUDIT_REPAIR          recreate missing attendance during audits (false)
  CORS_ALLOWED_ORIGINS  comma-separated origins
  METRICS_PATH          Prometheus endpoint (/metrics)
*/
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"sqlite"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"attendance.db"`

	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"attendance_ledger"`

	TimeZone string `env:"TIME_ZONE" envDefault:"Asia/Seoul"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	AuditEnabled  bool          `env:"AUDIT_ENABLED" envDefault:"true"`
	AuditInterval time.Duration `env:"AUDIT_INTERVAL" envDefault:"1h"`
	AuditRepair   bool          `env:"AUDIT_REPAIR" envDefault:"false"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
	MetricsPath        string   `env:"METRICS_PATH" envDefault:"/metrics"`
}

// DefaultEnvFiles are tried in order. godotenv never overrides a variable
// that is already set, so the first file wins and the process env beats both.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Load reads envFiles (skipping missing ones) and parses the environment.
func Load(envFiles ...string) (*Config, error) {
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnv loads the env files that exist and returns how many did.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Validate rejects values that cannot start a server.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want sqlite, mongo or memory", c.StoreBackend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.AuditEnabled && c.AuditInterval <= 0 {
		return fmt.Errorf("AUDIT_INTERVAL must be positive, got %s", c.AuditInterval)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Logger builds the process logger. Unknown levels fall back to info.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
