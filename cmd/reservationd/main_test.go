package main

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/config"
	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/lease"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
)

func TestBindFlagsOverridesEnvironment(t *testing.T) {
	cfg := config.Config{HTTPAddr: ":8080", RecordStore: config.StoreMemory, LockTimeout: 2 * time.Second}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(flags, &cfg)

	require.NoError(t, flags.Parse([]string{"--http-addr=:9090", "--lock-timeout=300ms", "--capacity-store=redis"}))
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 300*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, config.StoreRedis, cfg.CapacityStore)
	assert.Equal(t, config.StoreMemory, cfg.RecordStore)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := newLogger(config.Config{LogLevel: "chatty", LogJSON: true})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	logger = newLogger(config.Config{LogLevel: "debug"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestOpenBackendsInMemory(t *testing.T) {
	cfg := config.Config{RecordStore: config.StoreMemory, LockBackend: config.StoreMemory, LockTimeout: time.Second}
	b, err := openBackends(context.Background(), cfg, logrus.New())
	require.NoError(t, err)
	defer b.close()

	assert.IsType(t, &capacity.InMemoryStore{}, b.capacity)
	assert.IsType(t, &reservation.InMemoryStore{}, b.records)
	assert.IsType(t, &lease.InMemoryManager{}, b.leases)
	assert.IsType(t, &idempotency.InMemoryStore{}, b.idempotency)
}
