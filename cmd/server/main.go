/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, payroll.yaml, PAYROLL_* env, flags)
  2. Initialize logger and tracing
  3. Open the store (sqlite3, pgx or memory) and run migrations
  4. Start the activation event publisher (Redis stream or log)
  5. Build the manager, run calculator and optional S3 archiver
  6. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides server.port)
  -db      Database DSN (overrides database.dsn)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain queued activation events
  4. Flush traces and close the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/payroll.db"

  # Run against Postgres with Redis events
  PAYROLL_DATABASE_DRIVER=pgx \
  PAYROLL_DATABASE_DSN=postgres://payroll@localhost/payroll \
  PAYROLL_REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/archive"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/events"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
	"github.com/warp/payroll-engine/store/sqlstore"
	"github.com/warp/payroll-engine/tracing"
)

const (
	seedTenant   = "demo"
	seedScenario = "standard-monthly"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides server.port)")
	dsn := flag.String("db", "", "Database DSN (overrides database.dsn)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger := cfg.Logger()
	slog.SetDefault(logger)
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(ctx, logger, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", slog.Any("error", err))
		}
	}()

	// Store
	var (
		txStore payroll.TxStore
		audit   payroll.AuditLog
		health  api.Pinger
	)
	if cfg.Database.Driver == "memory" {
		txStore = store.NewTxMemory()
		audit = store.NewAuditMemory()
		logger.Warn("using in-memory store, data is lost on restart")
	} else {
		db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		txStore, audit, health = db, db, db
		logger.Info("database ready", slog.String("driver", cfg.Database.Driver))
	}

	// Activation events
	var sink payroll.Publisher = events.NewLogPublisher(logger)
	if cfg.Redis.URL != "" {
		client, err := events.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		sink = events.NewRedisPublisher(client, cfg.Redis.Stream, logger)
		logger.Info("publishing activations to redis", slog.String("stream", cfg.Redis.Stream))
	}
	publisher := events.NewAsync(sink, logger)
	publisher.Start()
	defer publisher.Stop()

	// Domain services
	balanceBase, err := cfg.BalanceBaseSalary()
	if err != nil {
		return err
	}
	engine, err := payroll.NewEngine()
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	manager := payroll.NewManager(txStore, engine,
		payroll.WithAuditLog(audit),
		payroll.WithPublisher(publisher),
		payroll.WithLogger(logger),
		payroll.WithBalanceBaseSalary(balanceBase),
		payroll.WithStrictReferences(cfg.Engine.StrictReferences),
	)
	runs := payroll.NewRunCalculator(txStore, engine,
		payroll.WithWorkers(cfg.Engine.Workers),
		payroll.WithRunLogger(logger),
	)

	handler := api.NewHandler(manager, runs, audit, logger)
	handler.Health = health

	if cfg.Archive.S3Bucket != "" {
		s3cfg := archive.S3Config{
			Bucket:    cfg.Archive.S3Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		}
		client, err := archive.NewS3Client(ctx, s3cfg)
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		handler.Archiver = archive.NewS3Archiver(client, s3cfg, logger)
		logger.Info("run archive enabled", slog.String("bucket", s3cfg.Bucket))
	}

	if cfg.Engine.Seed {
		if err := handler.SeedScenario(ctx, seedTenant, seedScenario); err != nil {
			logger.Warn("failed to seed demo scenario", slog.String("tenant", seedTenant), slog.Any("error", err))
		} else {
			logger.Info("demo scenario loaded", slog.String("tenant", seedTenant), slog.String("scenario", seedScenario))
		}
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewHTTPHandler(handler, api.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.Int("port", cfg.Server.Port), slog.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped", slog.Int("pendingEvents", publisher.Pending()))
	return nil
}
