/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store (SQLite, PostgreSQL or memory)
  4. Wire the ledger manager and booking controller on one locker
  5. Attach the optional Redis wallet cache and Kafka event publisher
  6. Configure the HTTP router and start the completion scheduler
  7. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (default: :8080)
  -port    Shorthand for -addr :N
  -store   sqlite | postgres | memory (default: sqlite)
  -db      SQLite database path (default: settlement.db)
           Use ":memory:" for in-memory database
  -dsn     PostgreSQL DSN
  -redis   Redis address for the wallet cache
  -kafka   Kafka brokers for settlement events
  -log     Log level
  -seed    Load the demo scenario on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the completion scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush the event publisher and close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Run against PostgreSQL with cache and events
  DATABASE_URL=postgres://... ./server -store=postgres -redis=localhost:6379 -kafka=localhost:9092

  # Demo mode
  ./server -store=memory -seed

ENVIRONMENT:
  See package config for the full list of keys.

SEE ALSO:
  - config/config.go: Configuration sources and keys
  - api/server.go: Router configuration
  - api/scheduler.go: Completion scheduler
*/
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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/cache"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/events"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/memory"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, ping, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	mgr := ledger.NewManager(store)

	var (
		notifiers   booking.Notifiers
		handlerOpts = []api.HandlerOption{api.WithLogger(logger)}
	)
	if ping != nil {
		handlerOpts = append(handlerOpts, api.WithHealthCheck(ping))
	}

	// Wallet cache
	if cfg.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()

		wc := cache.New(client, cfg.WalletCacheTTL, logger)
		notifiers = append(notifiers, wc)
		handlerOpts = append(handlerOpts, api.WithWalletCache(wc))
		logger.Info("wallet cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.WalletCacheTTL))
	}

	// Settlement events
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger), logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("close event publisher", zap.Error(err))
			}
		}()
		notifiers = append(notifiers, publisher)
		logger.Info("settlement events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	ctrlOpts := []booking.Option{
		booking.WithLocker(mgr.Locker()),
		booking.WithLogger(logger),
	}
	if len(notifiers) > 0 {
		ctrlOpts = append(ctrlOpts, booking.WithNotifier(notifiers))
	}
	controller := booking.NewController(store, ctrlOpts...)

	handler := api.NewHandler(mgr, controller, store, handlerOpts...)
	if cfg.SeedDemo {
		if err := handler.SeedScenario(ctx, api.ScenarioDemo); err != nil {
			return fmt.Errorf("seed demo scenario: %w", err)
		}
	}

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		Scenarios:      cfg.SeedDemo,
	})

	scheduler := api.NewCompletionScheduler(controller, logger)
	scheduler.CheckInterval = cfg.CompletionInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: api.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// openStore returns the store for cfg.StoreDriver with its health check and
// closer. The memory store has no check.
func openStore(ctx context.Context, cfg config.Config) (booking.TxStore, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, s.Close, nil
	case config.DriverMemory:
		return memory.New(), nil, func() {}, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { s.Close() }, nil
	}
}
