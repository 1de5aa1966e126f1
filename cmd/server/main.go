package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"enrichflow/backend/internal/api"
	"enrichflow/backend/internal/archive"
	"enrichflow/backend/internal/auth"
	"enrichflow/backend/internal/config"
	"enrichflow/backend/internal/engine"
	"enrichflow/backend/internal/executor"
	"enrichflow/backend/internal/logging"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/internal/services"
	"enrichflow/backend/pkg/models"
)

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrichflow",
		Short: "Business record enrichment workflow engine",
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newTickCommand())
	cmd.AddCommand(newMigrateCommand())

	return cmd
}

// app bundles everything the subcommands share.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	pool       *pgxpool.Pool
	store      *repository.PostgresStore
	engine     *engine.Engine
	enrichment *services.EnrichmentService
}

func newApp(ctx context.Context, withKafkaHandoff bool) (*app, func(), error) {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}
	logger.Info("Database connected", "host", cfg.DB.Host, "db", cfg.DB.Name)

	store := repository.NewPostgresStore(pool)

	registry := engine.NewRegistry()
	eng := engine.New(store, registry, logger)

	var archiver services.Archiver
	if cfg.Archive.Enable {
		a, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("initializing payload archive: %w", err)
		}
		archiver = a
		logger.Info("Payload archive enabled", "bucket", cfg.Archive.Bucket)
	}

	coalescer := engine.NewCoalescer(store, logger)
	webhook := services.NewHTTPWebhookClient(30 * time.Second)
	enrichment := services.NewEnrichmentService(store, coalescer, webhook, archiver, eng.Trigger(), logger)
	registerSyncHandlers(enrichment)

	cleanup := func() { pool.Close() }

	if withKafkaHandoff && cfg.Kafka.Broker != "" {
		handoff := executor.NewKafkaHandoff(cfg.Kafka.Broker, cfg.Kafka.DispatchTopic)
		registry.SetFallback(handoff)
		prev := cleanup
		cleanup = func() {
			if err := handoff.Close(); err != nil {
				logger.Warn("closing kafka writer", "error", err)
			}
			prev()
		}
		logger.Info("Dispatching via Kafka", "broker", cfg.Kafka.Broker, "topic", cfg.Kafka.DispatchTopic)
	} else {
		registry.SetFallback(executor.NewLocalExecutor(enrichment, logger, 60*time.Second))
		logger.Info("Dispatching in-process")
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		store:      store,
		engine:     eng,
		enrichment: enrichment,
	}, cleanup, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, cleanup, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			authz, err := auth.New(ctx, a.cfg, a.store, a.logger)
			if err != nil {
				return fmt.Errorf("initializing auth: %w", err)
			}

			srv := api.NewServer(a.store, a.engine, a.enrichment, authz,
				a.cfg.Scheduler.BatchSize, a.cfg.Scheduler.StuckAfter)

			server := &http.Server{
				Addr:         a.cfg.HTTP.Addr,
				Handler:      srv.Router(),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			schedCtx, stopSched := context.WithCancel(ctx)
			defer stopSched()
			go runScheduler(schedCtx, a.engine, a.cfg.Scheduler, a.logger)

			serverErrors := make(chan error, 1)
			go func() {
				a.logger.Info("Server starting", "address", a.cfg.HTTP.Addr)
				serverErrors <- server.ListenAndServe()
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				if err != http.ErrServerClosed {
					return fmt.Errorf("server error: %w", err)
				}
			case sig := <-shutdown:
				a.logger.Info("Shutdown signal received", "signal", sig.String())
				stopSched()

				shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutCtx); err != nil {
					a.logger.Error("Server shutdown error", "error", err)
					_ = server.Close()
				}
				a.logger.Info("Server stopped gracefully")
			}
			return nil
		},
	}
}

// runScheduler ticks the engine on a fixed interval and additionally on each
// trigger notification, so callback completions advance without waiting out
// the interval.
func runScheduler(ctx context.Context, eng *engine.Engine, cfg config.SchedulerConfig, logger *logging.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info("Scheduler started", "interval", cfg.Interval.String(), "limit", cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		case <-eng.Trigger().C():
		}

		if _, err := eng.RunTick(ctx, cfg.BatchSize); err != nil {
			logger.Error("Tick failed", "error", err)
		}
	}
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a dispatch worker consuming the Kafka task topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, cleanup, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if a.cfg.Kafka.Broker == "" {
				return fmt.Errorf("worker mode requires kafka.broker to be set")
			}

			consumer := executor.NewDispatchConsumer(
				a.cfg.Kafka.Broker, a.cfg.Kafka.DispatchTopic, a.cfg.Kafka.GroupID,
				a.enrichment, a.logger)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			consumer.Start(runCtx)
			a.logger.Info("Worker started", "topic", a.cfg.Kafka.DispatchTopic, "group", a.cfg.Kafka.GroupID)

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
			<-shutdown

			a.logger.Info("Worker shutting down")
			cancel()
			consumer.Stop()
			return nil
		},
	}
}

func newTickCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling tick and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, cleanup, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if limit <= 0 {
				limit = a.cfg.Scheduler.BatchSize
			}

			report, err := a.engine.RunTick(ctx, limit)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "max rows per tick phase (default: scheduler.batch_size)")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.NewLogger()

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			pool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer pool.Close()

			if _, err := pool.Exec(ctx, repository.Schema); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}

			logger.Info("Schema applied", "db", cfg.DB.Name)
			return nil
		},
	}
}

// registerSyncHandlers installs the built-in synchronous steps. These run
// inline in the sender and never touch a provider.
func registerSyncHandlers(enrichment *services.EnrichmentService) {
	enrichment.RegisterSyncHandler("normalize", func(ctx context.Context, item *models.WorkItem) (any, error) {
		out := map[string]any{"item_id": item.ID}
		if item.CompanyDomain != nil {
			out["company_domain"] = strings.ToLower(strings.TrimSpace(*item.CompanyDomain))
		}
		if item.PersonLinkedInURL != nil {
			out["person_linkedin_url"] = strings.ToLower(strings.TrimSpace(*item.PersonLinkedInURL))
		}
		return out, nil
	})
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
