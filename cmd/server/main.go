/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan servicing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize logger and Sentry
  3. Initialize SQLite store
  4. Create lending service with the journal poster
  5. Start the demand scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush Sentry and close database connection

ENVIRONMENT:
  See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Batch scheduler
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/warp/lending-engine/api"
	"github.com/warp/lending-engine/config"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/logger"
	"github.com/warp/lending-engine/store/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the environment
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()

	// Initialize logger
	logger.Setup(cfg.Environment, cfg.LogLevel)

	// Initialize Sentry when DSN is configured
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		}); err != nil {
			logger.Error("Sentry initialization failed", "error", err)
		} else {
			logger.Info("Sentry initialized")
		}
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.SetDefaultCompanyConfig(cfg.CompanyDefaults()); err != nil {
		logger.Error("Invalid default company configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Connected to database", "path", *dbPath)

	// Initialize service
	opts := []lending.Option{
		lending.WithLedger(lending.NewJournalPoster(store)),
		lending.WithLogger(logger.Log),
		lending.WithWorkers(cfg.BatchWorkers),
	}
	if cfg.StrictLedger {
		opts = append(opts, lending.WithStrictLedgerPosting())
	}
	svc := lending.NewService(store, store, opts...)

	// Start scheduler
	scheduler := api.NewDemandScheduler(svc)
	scheduler.CheckInterval = cfg.SchedulerInterval
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Start()

	// Create router
	handler := api.NewHandler(svc, store)
	router := api.NewRouter(handler, cfg.AllowedOrigins...)

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", "port", *port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	sentry.Flush(5 * time.Second)

	logger.Info("Server stopped")
}
