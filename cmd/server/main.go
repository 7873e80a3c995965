package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"ml-orchestrator/config"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/scheduler"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ml-orchestrator",
		Short:        "Asynchronous orchestration of ML training, evaluation and deployment jobs",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), sweepCmd(), migrateCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func fxLogger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger { return logger.NewFxLoggerAdapter() })
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, queue workers and scheduled sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if migrate && cfg.StoreBackend == config.StorePostgres {
				if err := runMigrations(cfg); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := fx.New(
				fxLogger(),
				coreModule(ctx, cfg),
				fx.Provide(provideRouter),
				fx.Invoke(setupTracing, wireListeners, startWorkers, startServer),
			)
			if err := app.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <name>",
		Short:     "Run one scheduled sweep and exit",
		Long:      "Run one scheduled sweep and exit. Sweeps: health, cost, stuck_jobs, retention, alerts, queue_stalled.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{scheduler.TaskHealth, scheduler.TaskCost, scheduler.TaskStuckJobs, scheduler.TaskRetention, scheduler.TaskAlerts, scheduler.TaskStalled},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var sched *scheduler.Scheduler
			app := fx.New(
				fxLogger(),
				coreModule(cmd.Context(), cfg),
				fx.Invoke(setupTracing, wireListeners),
				fx.Populate(&sched),
			)
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			runErr := sched.RunOnce(cmd.Context(), args[0])

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.Stop(stopCtx); err != nil {
				logger.Warnf("Shutdown after sweep: %v", err)
			}
			return runErr
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMigrations(cfg)
		},
	}
}

func runMigrations(cfg *config.Config) error {
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(db); err != nil {
		return err
	}
	logger.Infof("Database migrations applied")
	return nil
}
