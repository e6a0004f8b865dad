/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the delinquency engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, .env, environment, flags)
  2. Open the store (SQLite or MySQL) and seed built-in products
  3. Pick the installment locker (Redis when enabled, in-process otherwise)
  4. Build the engine, batch runner and daily scheduler
  5. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -config  YAML config file (default: $CONFIG_PATH)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for a running batch to return
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/delinquency.db"

  # Run against MySQL with Redis locks
  DB_DRIVER=mysql MYSQL_DSN="user:pass@tcp(localhost:3306)/lending" REDIS_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
  - batch/scheduler.go: Daily run
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/api"
	"github.com/warp/delinquency-engine/batch"
	"github.com/warp/delinquency-engine/config"
	"github.com/warp/delinquency-engine/delinquency"
	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/factory"
	"github.com/warp/delinquency-engine/latefee"
	"github.com/warp/delinquency-engine/lock"
	"github.com/warp/delinquency-engine/store/mysql"
	"github.com/warp/delinquency-engine/store/sqlite"
)

type backend interface {
	api.Backend
	Close() error
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	log := cfg.NewLogger()

	// Initialize store
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	seeded, err := factory.NewProductFactory().SeedDefaults(ctx, store)
	if err != nil {
		log.Fatalf("Failed to seed products: %v", err)
	}
	if seeded > 0 {
		log.WithField("count", seeded).Info("seeded built-in products")
	}

	locker, err := openLocker(cfg, log)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	bounds, err := delinquency.BoundariesByName(cfg.Batch.BucketBoundaries)
	if err != nil {
		log.Fatalf("Invalid bucket boundaries: %v", err)
	}

	caps := latefee.NewSwappableCap(nil)
	accruer := latefee.NewAccruer(caps, log)
	accruer.Flagger = latefee.NewLoanFlagger{}
	eng := engine.New(store, log,
		engine.WithLocker(locker),
		engine.WithAccruer(accruer),
		engine.WithBoundaries(bounds),
	)

	// Initialize handler
	handler := api.NewHandler(store, eng, nil, log)
	handler.Caps = caps
	if err := handler.RefreshCatalog(ctx); err != nil {
		log.Warnf("Failed to load product catalog: %v", err)
	}

	runner := batch.NewRunner(eng, handler.Rules(), store, log)
	runner.Workers = cfg.Batch.Workers
	runner.MaxAttempts = cfg.Batch.MaxAttempts
	runner.Backoff = cfg.Batch.Backoff()
	handler.Runner = runner

	scheduler, err := batch.NewScheduler(runner, cfg.Batch.Cron, log)
	if err != nil {
		log.Fatalf("Invalid batch schedule: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Server starting on http://localhost:%d", cfg.Server.Port)
		log.Infof("Next batch run at %s", scheduler.NextRun().Format(time.RFC3339))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}

func openStore(cfg *config.AppConfig) (backend, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysql.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		s := mysql.New(db)
		s.LockTimeout = cfg.Batch.LockTimeout()
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.LockTimeout = cfg.Batch.LockTimeout()
		return s, nil
	}
}

func openLocker(cfg *config.AppConfig, log logrus.FieldLogger) (lock.Locker, error) {
	if !cfg.Redis.Enabled {
		return lock.NewLocal(), nil
	}
	client, err := lock.OpenRedis(cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	log.WithField("addr", cfg.Redis.Addr).Info("using redis installment locks")
	return lock.NewRedis(client, "", cfg.Redis.LockTTL()), nil
}
