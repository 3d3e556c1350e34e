/*
main.go - Application entry point

PURPOSE:
  Starts the attendance ledger server or runs a one-off mirror audit.
  Handles configuration, backend selection, dependency injection, and
  graceful shutdown.

COMMANDS:
  serve   Run the HTTP API and the periodic audit scheduler
  audit   Audit the attendance/performance mirror once and exit
          (non-zero exit when drift remains)

STARTUP SEQUENCE (serve):
  1. Load .env files and environment (config package)
  2. Apply command-line flag overrides
  3. Open the backend (sqlite, mongo or memory)
  4. Create API handler and router
  5. Start audit scheduler and HTTP server
  6. Graceful shutdown on SIGINT/SIGTERM

FLAGS (override the environment):
  --port      HTTP server port
  --backend   sqlite | mongo | memory
  --db        SQLite database path (":memory:" allowed)
  --scenario  Demo scenario to load on startup

EXAMPLES:
  ./server serve --backend=memory --scenario=sample-week
  STORE_BACKEND=mongo MONGO_URI=mongodb://db:27017 ./server serve
  ./server audit --repair

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/attendance-ledger/api"
	"github.com/warp/attendance-ledger/config"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/engine/store"
	"github.com/warp/attendance-ledger/store/mongo"
	"github.com/warp/attendance-ledger/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Attendance and performance ledger",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd(), newAuditCmd())
	return cmd
}

// flagOverrides holds flags shared by both commands.
type flagOverrides struct {
	backend string
	dbPath  string
}

func (f *flagOverrides) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "store backend: sqlite, mongo or memory")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path")
}

func (f *flagOverrides) apply(cfg *config.Config) error {
	if f.backend != "" {
		cfg.StoreBackend = f.backend
	}
	if f.dbPath != "" {
		cfg.SQLitePath = f.dbPath
	}
	return cfg.Validate()
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd() *cobra.Command {
	var (
		overrides flagOverrides
		port      int
		scenario  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.DefaultEnvFiles...)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			if err := overrides.apply(cfg); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, scenario)
		},
	}
	overrides.register(cmd)
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port")
	cmd.Flags().StringVar(&scenario, "scenario", "", "demo scenario to load on startup")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, scenario string) error {
	logger := cfg.Logger()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	handler := api.NewHandler(backend, loc, logger)
	if scenario != "" {
		if err := handler.LoadScenarioByID(ctx, scenario); err != nil {
			return fmt.Errorf("load scenario %q: %w", scenario, err)
		}
	}

	handler.Audits.Enabled = cfg.AuditEnabled
	handler.Audits.CheckInterval = cfg.AuditInterval
	handler.Audits.Repair = cfg.AuditRepair
	handler.Audits.Start()
	defer handler.Audits.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:    cfg.MetricsPath,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Port,
			"backend": cfg.StoreBackend,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func newAuditCmd() *cobra.Command {
	var (
		overrides flagOverrides
		repair    bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check the attendance/performance mirror once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.DefaultEnvFiles...)
			if err != nil {
				return err
			}
			if err := overrides.apply(cfg); err != nil {
				return err
			}
			if cfg.StoreBackend == config.BackendMemory {
				return errors.New("audit needs a persistent backend")
			}

			ctx := cmd.Context()
			logger := cfg.Logger()
			backend, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			handler := api.NewHandler(backend, loc, logger)
			run, report, err := handler.Audits.RunNow(ctx, repair)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "audit %s: %d attendance, %d individual records checked\n",
				run.ID, report.CheckedAttendance, report.CheckedPerformance)
			fmt.Fprintf(cmd.OutOrStdout(), "orphan attendance: %d, missing attendance: %d, repaired: %d\n",
				run.OrphanAttendance, run.MissingAttendance, run.Repaired)
			if !report.Consistent() && !repair {
				return errors.New("mirror drift detected")
			}
			return nil
		},
	}
	overrides.register(cmd)
	cmd.Flags().BoolVar(&repair, "repair", false, "repair drift following the delete rule")
	return cmd
}

// =============================================================================
// BACKEND
// =============================================================================

func openBackend(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (engine.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory store: data is lost on exit")
		return store.NewMemory(), nil
	case config.BackendMongo:
		s, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, nil
	}
}
