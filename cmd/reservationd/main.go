package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/VenkatGGG/reservation-engine/internal/api"
	"github.com/VenkatGGG/reservation-engine/internal/audit"
	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/config"
	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/lease"
	"github.com/VenkatGGG/reservation-engine/internal/metrics"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
)

func main() {
	cfg := config.Load()
	flags := pflag.NewFlagSet("reservationd", pflag.ExitOnError)
	bindFlags(flags, &cfg)
	_ = flags.Parse(os.Args[1:])

	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("reservationd failed")
	}
}

func bindFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "listen address")
	flags.StringVar(&cfg.RecordStore, "store", cfg.RecordStore, "reservation record store (memory|postgres)")
	flags.StringVar(&cfg.CapacityStore, "capacity-store", cfg.CapacityStore, "capacity counter store (memory|postgres|redis); empty follows --store")
	flags.StringVar(&cfg.LockBackend, "lock-backend", cfg.LockBackend, "per-event lease backend (memory|redis)")
	flags.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "max wait for a per-event lease")
	flags.BoolVar(&cfg.AuditEnabled, "audit", cfg.AuditEnabled, "run the periodic drift audit")
	flags.DurationVar(&cfg.AuditInterval, "audit-interval", cfg.AuditInterval, "drift audit interval")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")
}

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

type backends struct {
	capacity    capacity.Store
	records     reservation.Store
	leases      lease.Manager
	idempotency idempotency.Store
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*backends, error) {
	b := &backends{}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		var err error
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}

	switch cfg.EffectiveCapacityStore() {
	case config.StoreRedis:
		b.capacity = capacity.NewRedisStore(redisClient, "")
	case config.StorePostgres:
		store, err := capacity.NewPostgresStore(ctx, pool)
		if err != nil {
			b.close()
			return nil, err
		}
		b.capacity = store
	default:
		b.capacity = capacity.NewInMemoryStore()
	}

	switch cfg.RecordStore {
	case config.StorePostgres:
		store, err := reservation.NewPostgresStore(ctx, pool)
		if err != nil {
			b.close()
			return nil, err
		}
		b.records = store
	default:
		b.records = reservation.NewInMemoryStore()
	}

	switch cfg.LockBackend {
	case config.StoreRedis:
		b.leases = lease.NewRedisManager(redisClient, "",
			lease.WithLeaseTTL(cfg.LockTTL),
			lease.WithWaitTimeout(cfg.LockTimeout),
		)
		b.idempotency = idempotency.NewRedisStore(redisClient, "")
	default:
		b.leases = lease.NewInMemoryManager(cfg.LockTimeout)
		b.idempotency = idempotency.NewInMemoryStore()
	}

	logger.WithFields(logrus.Fields{
		"record_store":   cfg.RecordStore,
		"capacity_store": cfg.EffectiveCapacityStore(),
		"lock_backend":   cfg.LockBackend,
	}).Info("backends ready")
	return b, nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	registry.MustRegister(metrics.NewEventCollector(b.capacity, logger))

	ledger, err := reservation.NewLedger(b.capacity, b.records, b.leases,
		reservation.WithLogger(logger),
		reservation.WithObserver(recorder),
		reservation.WithOperationTimeout(cfg.OpTimeout),
		reservation.WithCompensationTimeout(cfg.CompensationTimeout),
	)
	if err != nil {
		return err
	}

	auditor := audit.NewAuditor(ledger, recorder, audit.Config{
		Enabled:  cfg.AuditEnabled,
		Interval: cfg.AuditInterval,
	}, logger)
	go auditor.Run(ctx)

	server := api.NewServer(ledger, api.Options{
		Logger:             logger,
		Idempotency:        b.idempotency,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		IdempotencyLockTTL: cfg.IdempotencyLockTTL,
		APIKey:             cfg.APIKey,
		RateRPS:            cfg.RateRPS,
		RateBurst:          cfg.RateBurst,
		Metrics:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})
	server.StartJanitor(ctx, 2*time.Minute)
	if pruner, ok := b.idempotency.(*idempotency.InMemoryStore); ok {
		go pruneIdempotency(ctx, pruner, time.Minute)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("reservationd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func pruneIdempotency(ctx context.Context, store *idempotency.InMemoryStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Prune()
		}
	}
}
