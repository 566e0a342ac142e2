/*
Package config loads server configuration.

SOURCES (later wins):
  1. .env file in the working directory (or $SETTLEMENT_ENV_FILE); a missing
     file is not an error, and it never overrides variables already set
  2. environment variables
  3. command-line flags

KEYS:
  env                  flag     default
  HTTP_ADDR            -addr    :8080       (-port N is shorthand for -addr :N)
  STORE_DRIVER         -store   sqlite      sqlite | postgres | memory
  SQLITE_PATH          -db      settlement.db
  DATABASE_URL         -dsn                 postgres DSN
  REDIS_ADDR           -redis               empty disables the wallet cache
  REDIS_PASSWORD
  REDIS_DB                      0
  WALLET_CACHE_TTL              30s
  KAFKA_BROKERS        -kafka               comma separated; empty disables events
  KAFKA_TOPIC                   booking-settlement
  COMPLETION_INTERVAL           5m
  LOG_LEVEL            -log     info        debug | info | warn | error
  CORS_ORIGINS                  *           comma separated
  SEED_DEMO            -seed    false
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Addr        string
	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	WalletCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	CompletionInterval time.Duration
	LogLevel           string
	CORSOrigins        []string
	SeedDemo           bool
}

// Load reads configuration from the .env file, the environment and args
// (without the program name).
func Load(args []string) (Config, error) {
	envFile := getEnv("SETTLEMENT_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		Addr:        getEnv("HTTP_ADDR", ":8080"),
		StoreDriver: getEnv("STORE_DRIVER", DriverSQLite),
		SQLitePath:  getEnv("SQLITE_PATH", "settlement.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "booking-settlement"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return Config{}, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.WalletCacheTTL, err = time.ParseDuration(getEnv("WALLET_CACHE_TTL", "30s")); err != nil {
		return Config{}, fmt.Errorf("WALLET_CACHE_TTL: %w", err)
	}
	if cfg.CompletionInterval, err = time.ParseDuration(getEnv("COMPLETION_INTERVAL", "5m")); err != nil {
		return Config{}, fmt.Errorf("COMPLETION_INTERVAL: %w", err)
	}
	if cfg.SeedDemo, err = strconv.ParseBool(getEnv("SEED_DEMO", "false")); err != nil {
		return Config{}, fmt.Errorf("SEED_DEMO: %w", err)
	}

	fs := flag.NewFlagSet("settlement-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	port := fs.Int("port", 0, "HTTP server port (shorthand for -addr :PORT)")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, `SQLite database path (":memory:" for in-memory)`)
	fs.StringVar(&cfg.DatabaseURL, "dsn", cfg.DatabaseURL, "postgres connection string")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the wallet cache")
	kafka := fs.String("kafka", strings.Join(cfg.KafkaBrokers, ","), "comma separated kafka brokers")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.SeedDemo, "seed", cfg.SeedDemo, "seed the demo wallet and refund policy")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *port > 0 {
		cfg.Addr = fmt.Sprintf(":%d", *port)
	}
	cfg.KafkaBrokers = splitList(*kafka)

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: sqlite store requires a database path")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: postgres store requires DATABASE_URL")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if c.CompletionInterval <= 0 {
		return fmt.Errorf("config: completion interval must be positive, got %s", c.CompletionInterval)
	}
	if c.WalletCacheTTL <= 0 {
		return fmt.Errorf("config: wallet cache ttl must be positive, got %s", c.WalletCacheTTL)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
