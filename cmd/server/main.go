/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, file, LOANLEDGER_* env)
  2. Build logger
  3. Open SQLite store (migrations run on open)
  4. Build notifier: log, plus Redis pub/sub when enabled
  5. Wire ledger, payment handler, reminder sweeper and scheduler
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (yaml/json/toml); overrides LOANLEDGER_CONFIG

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reminder scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Run with defaults (./loanledger.db, port 8080)
  ./server

  # In-memory database on another port
  LOANLEDGER_DATABASE_PATH=":memory:" LOANLEDGER_SERVER_PORT=3000 ./server

  # Publish notifications to Redis
  LOANLEDGER_REDIS_ENABLED=true LOANLEDGER_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loan-ledger/api"
	"github.com/warp/loan-ledger/config"
	"github.com/warp/loan-ledger/lending"
	"github.com/warp/loan-ledger/logging"
	"github.com/warp/loan-ledger/notify"
	"github.com/warp/loan-ledger/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Notifications
	notifiers := notify.Fanout{notify.NewLogNotifier(logger)}
	if cfg.Redis.Enabled {
		client, err := notify.Connect(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		notifiers = append(notifiers, notify.NewRedisBus(client, cfg.Redis.Channel, logger))
		logger.Info("publishing notifications to redis",
			zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	gateway := lending.Gateway{
		Endpoint:    cfg.Gateway.Endpoint,
		ProductCode: cfg.Gateway.ProductCode,
		SecretKey:   cfg.Gateway.SecretKey,
		SuccessURL:  cfg.Gateway.SuccessURL,
		FailureURL:  cfg.Gateway.FailureURL,
	}
	if gateway.SecretKey == "" {
		logger.Warn("gateway secret key is empty; payment requests will not verify")
	}

	ledger := lending.NewContractLedger(logger)
	payments := lending.NewPaymentHandler(store, ledger, notifiers, gateway, logger)

	sweeper := lending.NewReminderSweeper(store, notifiers, logger)
	sweeper.UpcomingWindow = cfg.Reminder.UpcomingWindow

	scheduler := api.NewReminderScheduler(sweeper, logger)
	scheduler.Hour = cfg.Reminder.Hour
	scheduler.Enabled = cfg.Reminder.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(store, payments, scheduler, logger)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
