package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/transferpipe/internal/aggregate"
	"github.com/telhawk-systems/transferpipe/internal/alerts"
	"github.com/telhawk-systems/transferpipe/internal/committer"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/handlers"
	"github.com/telhawk-systems/transferpipe/internal/ingest"
	"github.com/telhawk-systems/transferpipe/internal/messaging"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/internal/retention"
	"github.com/telhawk-systems/transferpipe/internal/schema"
	"github.com/telhawk-systems/transferpipe/internal/server"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logging.SetDefault(logger)

	ctx := cmd.Context()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	if _, err := applyRegistry(ctx, cfg, repo, logger); err != nil {
		return err
	}

	controller := ingest.NewController(cfg.Batching, logger)

	var nc *messaging.Client
	var notifier committer.Notifier
	var wake <-chan struct{}
	if cfg.NATS.Enabled {
		nc, err = messaging.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = nc

		wake, err = nc.SubscribeCommitted()
		if err != nil {
			return err
		}
		err = nc.SubscribeRaw(func(ctx context.Context, source string, format model.Format, payload []byte) error {
			mapping, err := model.MappingForFormat(format)
			if err != nil {
				return err
			}
			records, err := ingest.NewDecoder(mapping).Decode(bytes.NewReader(payload))
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return nil
			}
			_, err = controller.Accept(ctx, source, format, records)
			return err
		})
		if err != nil {
			return err
		}
	}

	// The commit loop outlives the signal context so the shutdown flush
	// still commits; it exits when the sealed channel closes.
	commitCtx, commitCancel := context.WithCancel(context.Background())
	defer commitCancel()
	com := committer.New(cfg.Commit, repo, notifier, logger)
	commitDone := make(chan struct{})
	go func() {
		com.Run(commitCtx, controller.Sealed())
		close(commitDone)
	}()

	engine := aggregate.NewEngine(cfg.Aggregation, repo, logger)
	go engine.Run(ctx, wake)

	sweeper := retention.NewSweeper(cfg.Retention, repo, logger)
	go sweeper.Run(ctx)

	signals := alerts.DefaultSignals(repo)
	if cfg.Alerts.Enabled {
		state, err := openTriggerState(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer state.Close()

		channels := []alerts.Channel{alerts.NewLogChannel(logger)}
		if cfg.Alerts.WebhookURL != "" {
			channels = append(channels, alerts.NewWebhookChannel(cfg.Alerts.WebhookURL))
		}
		eval := alerts.NewEvaluator(cfg.Alerts, signals, state, channels, logger)
		go eval.Run(ctx)
	}

	ready := func() bool {
		return nc == nil || nc.IsConnected()
	}
	api := handlers.NewAPI(repo, controller, signals, cfg.Alerts, logger, ready)
	srv := server.New(cfg.Server, server.NewRouter(api))

	go func() {
		logger.Info("pipeline listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Flush open batches and wait for the commit loop to drain them.
	if err := controller.Close(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	select {
	case <-commitDone:
	case <-shutdownCtx.Done():
		logger.Warn("commit loop did not drain before deadline")
	}

	logger.Info("stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	if !cfg.Database.Postgres.Enabled {
		logger.Warn("postgres disabled, using in-memory stores")
		return repository.NewInMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()
	if err := runMigrations(connString); err != nil {
		return nil, err
	}
	return repository.NewPostgresRepository(ctx, connString)
}

func runMigrations(connString string) error {
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func applyRegistry(ctx context.Context, cfg *config.Config, repo repository.Repository, logger *logging.Logger) (*schema.Report, error) {
	objects := schema.DefaultObjects(
		cfg.Retention.Staging,
		cfg.Retention.Canonical,
		cfg.Retention.DeadLetter,
		cfg.Retention.Aggregate,
		schema.BatchingParams{
			MaxAge:     cfg.Batching.MaxAge,
			MaxRecords: cfg.Batching.MaxRecords,
			MaxBytes:   cfg.Batching.MaxBytes,
		},
	)
	registry := schema.New(repo, objects, logger)
	report, err := registry.Apply(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply schema registry: %w", err)
	}
	logger.Info("schema registry applied",
		"applied", len(report.Applied),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func openTriggerState(ctx context.Context, cfg *config.Config, logger *logging.Logger) (alerts.TriggerState, error) {
	if !cfg.Redis.Enabled {
		return alerts.NewMemoryTriggerState(), nil
	}
	state, err := alerts.NewRedisTriggerState(ctx, cfg.Redis.URL, cfg.Redis.MaxRetries, cfg.Redis.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to connect trigger state to redis: %w", err)
	}
	logger.Info("alert trigger state backed by redis")
	return state, nil
}
