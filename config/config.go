/*
Package config reads process configuration.

PURPOSE:
  Everything the server needs to start: where to listen, where the database
  lives, which optional backends to connect, and the defaults applied to a
  Centro that never saved its own settings.

PRECEDENCE (highest first):
  1. Environment variables
  2. .env file in the working directory (optional, never overrides 1)
  3. Command-line flags
  4. Built-in defaults

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: repair.db)
           Use ":memory:" for in-memory database
  -demo    Seed demo scenario data on startup

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL
  AMQP_URL, NOTIFY_QUEUE          RabbitMQ notification sink (off when unset)
  REDIS_ADDR                      Distributed locks (in-process when unset)
  FORFEITURE_SCAN_INTERVAL        e.g. "1h"; 0 disables the scan
  FORFEITURE_GRACE_DAYS
  DEFAULT_PLATFORM_RATE, DEFAULT_CORNER_RATE, DEFAULT_CREDIT_WARNING_THRESHOLD
  LOYALTY_ANNUAL_PRICE, LOYALTY_PLATFORM_RATE
  CORS_ORIGINS                    comma separated

SEE ALSO:
  - cmd/server/main.go: consumer
  - factory/tenant.go: per-Centro settings layered on TenantDefaults
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/factory"
)

// Config holds the process configuration.
type Config struct {
	Port     int    `env:"PORT"`
	DBPath   string `env:"DB_PATH"`
	Demo     bool   `env:"DEMO"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	AMQPURL     string `env:"AMQP_URL"`
	NotifyQueue string `env:"NOTIFY_QUEUE" envDefault:"repair.notifications"`
	RedisAddr   string `env:"REDIS_ADDR"`

	ForfeitureScanInterval time.Duration `env:"FORFEITURE_SCAN_INTERVAL" envDefault:"1h"`
	ForfeitureGraceDays    int           `env:"FORFEITURE_GRACE_DAYS" envDefault:"30"`

	DefaultPlatformRate           float64 `env:"DEFAULT_PLATFORM_RATE" envDefault:"5"`
	DefaultCornerRate             float64 `env:"DEFAULT_CORNER_RATE" envDefault:"15"`
	DefaultCreditWarningThreshold float64 `env:"DEFAULT_CREDIT_WARNING_THRESHOLD" envDefault:"50"`
	LoyaltyAnnualPrice            float64 `env:"LOYALTY_ANNUAL_PRICE" envDefault:"30"`
	LoyaltyPlatformRate           float64 `env:"LOYALTY_PLATFORM_RATE" envDefault:"5"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
}

// Parse reads os.Args and the environment.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs reads args as command-line flags, then layers the environment on
// top. Only variables that are actually set override a flag.
func ParseArgs(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	fsFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	fsFlags.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	fsFlags.StringVar(&cfg.DBPath, "db", "repair.db", "SQLite database path")
	fsFlags.BoolVar(&cfg.Demo, "demo", false, "seed demo scenario data on startup")
	if err := fsFlags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("database path is empty")
	}
	if c.ForfeitureScanInterval < 0 {
		return fmt.Errorf("forfeiture scan interval %s is negative", c.ForfeitureScanInterval)
	}
	if c.DefaultPlatformRate+c.DefaultCornerRate > 100 {
		return fmt.Errorf("default platform and corner rates exceed 100")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// TenantDefaults is the configuration of a Centro without saved settings.
func (c *Config) TenantDefaults() engine.TenantConfig {
	d := factory.DefaultTenantConfig()
	d.Rates = engine.CommissionRates{
		Platform: engine.Percent(c.DefaultPlatformRate),
		Corner:   engine.Percent(c.DefaultCornerRate),
	}.WithResidualCentro()
	d.WarningThreshold = engine.NewMoney(c.DefaultCreditWarningThreshold).RoundMinor()
	if c.ForfeitureGraceDays > 0 {
		d.ForfeitureGraceDays = c.ForfeitureGraceDays
	}
	d.Loyalty.AnnualPrice = engine.NewMoney(c.LoyaltyAnnualPrice).RoundMinor()
	d.Loyalty.PlatformRate = engine.Percent(c.LoyaltyPlatformRate)
	return d
}
