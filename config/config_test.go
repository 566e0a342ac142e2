package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the loader at an empty directory and clears every key.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SETTLEMENT_ENV_FILE", filepath.Join(dir, ".env"))
	for _, k := range []string{
		"HTTP_ADDR", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "WALLET_CACHE_TTL",
		"KAFKA_BROKERS", "KAFKA_TOPIC", "COMPLETION_INTERVAL", "LOG_LEVEL",
		"CORS_ORIGINS", "SEED_DEMO",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "settlement.db", cfg.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.WalletCacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.CompletionInterval)
	assert.Equal(t, "booking-settlement", cfg.KafkaTopic)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.SeedDemo)
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)

	// GIVEN: A .env file, an env var and a flag for overlapping keys
	env := "STORE_DRIVER=memory\nKAFKA_BROKERS=k1:9092, k2:9092\nREDIS_ADDR=from-file:6379\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	os.Unsetenv("STORE_DRIVER")
	os.Unsetenv("KAFKA_BROKERS")
	os.Unsetenv("REDIS_ADDR")
	t.Setenv("COMPLETION_INTERVAL", "1m")

	// WHEN: Loading with flags
	cfg, err := Load([]string{"-port", "9090", "-redis", "flag:6379", "-seed"})

	// THEN: flags > env > .env
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "flag:6379", cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.CompletionInterval)
	assert.True(t, cfg.SeedDemo)
}

func TestLoad_BadValues(t *testing.T) {
	isolate(t)
	t.Setenv("WALLET_CACHE_TTL", "soon")
	_, err := Load(nil)
	assert.Error(t, err)

	isolate(t)
	_, err = Load([]string{"-unknown"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		StoreDriver:        DriverSQLite,
		SQLitePath:         "x.db",
		CompletionInterval: time.Minute,
		WalletCacheTTL:     time.Second,
		LogLevel:           "info",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = DriverPostgres }},
		{"sqlite without path", func(c *Config) { c.SQLitePath = "" }},
		{"zero interval", func(c *Config) { c.CompletionInterval = 0 }},
		{"negative ttl", func(c *Config) { c.WalletCacheTTL = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
