package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"raffle-bot/pkg"
	"raffle-bot/pkg/activity"
	"raffle-bot/pkg/config"
	"raffle-bot/pkg/db"
	"raffle-bot/pkg/event"
	"raffle-bot/pkg/gateway"
	"raffle-bot/pkg/handlers"
	"raffle-bot/pkg/logging"
	"raffle-bot/pkg/orchestrator"
	"raffle-bot/pkg/router"
	"raffle-bot/pkg/store"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "raffle-bot",
	Short:        "Discord bot running raffles and predictions",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Discord and serve commands until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(runCmd, recordCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// bootstrap loads the configuration and installs Sentry and the default logger. The returned
// func flushes both.
func bootstrap(ctx context.Context) (*config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:           cfg.SentryDSN,
		EnableTracing: false,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if cfg.IsProd() { // only log events in prod
				return event
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init sentry: %w", err)
	}

	logger, closeLog, err := logging.New(ctx, os.Stdout, logging.Options{
		Level:        cfg.SlogLevel(),
		DebugLogPath: cfg.DebugLogPath,
		Sentry:       cfg.SentryDSN != "",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open debug log: %w", err)
	}
	slog.SetDefault(logger)

	return cfg, func() {
		sentry.Flush(2 * time.Second)
		_ = closeLog()
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendFirestore:
		backend, err := store.NewFirestoreBackend(ctx, cfg.FirestoreProjectID, cfg.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		return backend, nil
	case config.StoreBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		backend := store.NewPostgresBackend(pool)
		if err := backend.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		return backend, nil
	}
	slog.Warn("store: using the in-memory backend, state is lost on exit")
	return store.NewMemoryBackend(), nil
}

func run(ctx context.Context) error {
	cfg, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	adapter := store.NewAdapter(backend)
	database := db.NewDB(adapter, cfg.Prefix)

	conn, err := gateway.NewDisgoConn(cfg.Token)
	if err != nil {
		_ = adapter.Close()
		return err
	}
	client := gateway.New(conn,
		gateway.WithMaxReconnects(cfg.MaxReconnects),
		gateway.WithBackoff(cfg.BackoffInitial, cfg.BackoffCeiling),
		gateway.WithRateLimit(cfg.SendRate, cfg.SendBurst))

	b := &pkg.Bot{
		DB:         database,
		Activities: activity.NewBoard(),
	}
	h := handlers.NewHandler(b, cfg)
	r := router.New(client,
		router.WithPrefix(database.Prefix),
		router.WithAuthorizer(router.AuthorizerFunc(database.Authorize)))
	for _, def := range h.Definitions() {
		if err := r.Register(def); err != nil {
			_ = adapter.Close()
			return fmt.Errorf("register commands: %w", err)
		}
	}

	o := orchestrator.New(client, event.NewNormalizer(), r, adapter, orchestrator.Config{
		Workers:       cfg.Workers,
		QueueLimit:    cfg.QueueLimit,
		DedupePeriod:  cfg.DedupePeriod,
		ShutdownGrace: cfg.ShutdownGrace,
	},
		orchestrator.WithServices(database),
		orchestrator.WithListeners(database),
		orchestrator.WithDrainers(h))
	if err := o.Start(ctx); err != nil {
		slog.Error("error while starting the bot", tint.Err(err))
		return err
	}
	slog.Info("raffle bot is now running.", slog.Int("workers", cfg.Workers), slog.String("store.backend", string(cfg.StoreBackend)))

	fatal := make(chan error, 1)
	go func() {
		fatal <- o.Wait()
	}()
	select {
	case err := <-fatal:
		slog.Error("raffle bot stopped after a fatal error", tint.Err(err))
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down the bot...")
	if err := o.Stop(context.Background()); err != nil {
		slog.Error("error while shutting down", tint.Err(err))
	}
	return <-fatal
}
