/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the procurement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, TOML, .env, environment)
  2. Open the store (SQLite file, ":memory:", or the map-backed store)
  3. Pick a summary cache (Redis when reachable, otherwise in-process)
  4. Build notifiers, the engine, the handler and the router
  5. Start server with graceful shutdown

COMMANDS:
  server            Serve the API (default)
  server migrate    Create or update the SQLite schema and exit

FLAGS:
  --config    TOML config file (default: procurement.toml, optional)
  --env-file  dotenv file (default: .env, optional)
  --addr      Listen address, overrides config
  --db        Database path, overrides config ("memory" for the map store)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close cache and database connections
  4. Exit

SEE ALSO:
  - config/config.go: Configuration keys and environment overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/procurement-engine/api"
	"github.com/warp/procurement-engine/budget"
	"github.com/warp/procurement-engine/budget/store"
	"github.com/warp/procurement-engine/config"
	"github.com/warp/procurement-engine/notify"
	"github.com/warp/procurement-engine/store/rediscache"
	"github.com/warp/procurement-engine/store/sqlite"
)

var (
	flagConfig  string
	flagEnvFile string
	flagAddr    string
	flagDB      string
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Budget ledger and purchase-order engine",
	Long:          "Serves the budget ledger, amendment, purchase-order and reconciliation API.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the SQLite schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "procurement.toml", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (overrides config)")
	rootCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig, flagEnvFile)
	if err != nil {
		return cfg, err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	return cfg, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	txStore, resetter, closeStore, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache := openCache(cmd.Context(), cfg, logger)
	defer closeCache()

	policy, err := cfg.BudgetPolicy()
	if err != nil {
		return err
	}
	lockTimeout, err := cfg.LockTimeout()
	if err != nil {
		return err
	}

	engine := budget.NewEngine(txStore, policy,
		budget.WithLogger(logger),
		budget.WithNotifier(buildNotifier(cfg, logger)),
		budget.WithSummaryCache(cache),
		budget.WithLockTimeout(lockTimeout),
	)

	handler := api.NewHandler(engine, resetter, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StaticDir:      cfg.Server.StaticDir,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-quit:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "memory" {
		return errors.New("the memory store has no schema to migrate")
	}
	s, err := openSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.Database.Path)
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func openStore(path string) (budget.TxStore, api.Resetter, func(), error) {
	if path == "memory" {
		m := store.NewMemory()
		return m, m, func() {}, nil
	}
	s, err := openSQLite(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, s, func() { s.Close() }, nil
}

func openSQLite(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// openCache prefers Redis and falls back to an in-process cache.
func openCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (budget.SummaryCache, func()) {
	ttl, _ := cfg.RedisTTL()
	if cfg.Redis.Addr == "" {
		return store.NewMemoryCache(ttl), func() {}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	c, err := rediscache.Connect(dialCtx, rediscache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      ttl,
	})
	if err != nil {
		logger.Warn("redis unavailable, using in-process summary cache", "error", err)
		return store.NewMemoryCache(ttl), func() {}
	}
	logger.Info("summary cache on redis", "addr", cfg.Redis.Addr)
	return c, func() { c.Close() }
}

func buildNotifier(cfg config.Config, logger *slog.Logger) budget.Notifier {
	var out notify.Multi
	if cfg.Notifications.Log {
		out = append(out, notify.NewLog(logger))
	}
	if cfg.Notifications.WebhookURL != "" {
		out = append(out, notify.NewWebhook(notify.WebhookOptions{
			URL:       cfg.Notifications.WebhookURL,
			PerSecond: cfg.Notifications.PerSecond,
			Burst:     cfg.Notifications.Burst,
		}))
	}
	if len(out) == 0 {
		return budget.NopNotifier{}
	}
	return out
}
