package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"RESERVATION_HTTP_ADDR", "RESERVATION_STORE", "RESERVATION_CAPACITY_STORE",
		"RESERVATION_LOCK_BACKEND", "RESERVATION_LOCK_TIMEOUT", "RESERVATION_RATE_RPS",
		"RESERVATION_COMPENSATION_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.RecordStore)
	assert.Equal(t, StoreMemory, cfg.EffectiveCapacityStore())
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 50.0, cfg.RateRPS)
	assert.Equal(t, 2*time.Second, cfg.CompensationTimeout)
	assert.False(t, cfg.UsesRedis())
	assert.False(t, cfg.UsesPostgres())
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("RESERVATION_STORE", "Postgres")
	t.Setenv("RESERVATION_CAPACITY_STORE", "redis")
	t.Setenv("RESERVATION_LOCK_BACKEND", "redis")
	t.Setenv("RESERVATION_LOCK_TIMEOUT", "750ms")
	t.Setenv("RESERVATION_RATE_BURST", "not-a-number")
	t.Setenv("RESERVATION_LOG_JSON", "off")

	cfg := Load()
	assert.Equal(t, StorePostgres, cfg.RecordStore)
	assert.Equal(t, StoreRedis, cfg.EffectiveCapacityStore())
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 100, cfg.RateBurst)
	assert.False(t, cfg.LogJSON)
	assert.True(t, cfg.UsesRedis())
	assert.True(t, cfg.UsesPostgres())
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	base := Config{
		RecordStore: StoreMemory,
		LockBackend: StoreMemory,
		LockTimeout: time.Second,
		LockTTL:     10 * time.Second,
		OpTimeout:   5 * time.Second,

		CompensationTimeout: 2 * time.Second,
	}
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"unknown store":           func(c *Config) { c.RecordStore = "sqlite" },
		"unknown capacity store":  func(c *Config) { c.CapacityStore = "etcd" },
		"memory counters for pg":  func(c *Config) { c.RecordStore = StorePostgres; c.CapacityStore = StoreMemory; c.PostgresDSN = "postgres://x" },
		"unknown lock backend":    func(c *Config) { c.LockBackend = "zookeeper" },
		"zero lock timeout":       func(c *Config) { c.LockTimeout = 0 },
		"lease shorter than op":   func(c *Config) { c.LockBackend = StoreRedis; c.RedisAddr = "redis:6379"; c.LockTTL = time.Second },
		"lease shorter than undo": func(c *Config) { c.LockBackend = StoreRedis; c.RedisAddr = "redis:6379"; c.LockTTL = 6 * time.Second },
		"zero compensation":       func(c *Config) { c.CompensationTimeout = 0 },
		"redis without address":   func(c *Config) { c.LockBackend = StoreRedis },
		"postgres without dsn":    func(c *Config) { c.RecordStore = StorePostgres },
		"negative rate":           func(c *Config) { c.RateRPS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
