// Command jobstore runs the database-backed job queue.
//
// Subcommands:
//
//	serve      monitoring API, worker pool and background processes
//	migrate    create or update the storage tables and exit
//	enqueue    create a job and put it on a queue
//	aggregate  run one counter aggregation cycle
//	expire     run one expiration sweep
//	stats      print queue counts
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobstore/internal/config"
	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "jobstore",
		Short:         "Database-backed job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config.yaml")

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		enqueueCmd(),
		aggregateCmd(),
		expireCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	return cfg, logger.New(cfg.Log.Level, os.Stderr), nil
}

// serveCmd runs the monitoring API, the worker pool and the scheduler until
// SIGINT or SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring API, worker pool and background processes",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc, err := bootstrap(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.shutdown()

	if !cfg.Server.Enabled {
		log.Info().Msg("monitoring API disabled, running background processes only")
		<-ctx.Done()
		return nil
	}

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	registerRoutes(ctx, r, svc)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("server started")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop()
	}

	log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// migrateCmd applies the schema and exits.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage tables and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := models.Open(&cfg.Database, log)
			if err != nil {
				return err
			}
			defer models.Close(db) //nolint:errcheck

			if err := models.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("migrations complete")
			return nil
		},
	}
}

// enqueueCmd creates a job and queues it.
func enqueueCmd() *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "enqueue <type> [json-arguments]",
		Short: "Create a job and put it on a queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments string
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("arguments must be valid JSON")
				}
				arguments = args[1]
			}

			return withStorage(cmd.Context(), func(svc *appServices) error {
				id, err := svc.storage.CreateJob(cmd.Context(), args[0], arguments, queueName)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "default", "queue name")
	return cmd
}

// aggregateCmd runs one counter aggregation cycle.
func aggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Fold pending counter rows into aggregated counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd.Context(), func(svc *appServices) error {
				passes, err := svc.storage.Aggregator.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "aggregation finished after %d pass(es)\n", passes)
				return nil
			})
		},
	}
}

// expireCmd runs one expiration cycle.
func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Delete expired jobs and counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd.Context(), func(svc *appServices) error {
				removed, err := svc.storage.Expiration.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired row(s)\n", removed)
				return nil
			})
		},
	}
}

// statsCmd prints per-queue counts.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print enqueued and fetched counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd.Context(), func(svc *appServices) error {
				ctx := cmd.Context()
				names, err := svc.storage.Monitor.Queues(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-20s %10s %10s\n", "QUEUE", "ENQUEUED", "FETCHED")
				for _, name := range names {
					s, err := svc.storage.Monitor.EnqueuedAndFetchedCount(ctx, name)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%-20s %10d %10d\n", s.Queue, s.Enqueued, s.Fetched)
				}
				return nil
			})
		},
	}
}

// withStorage opens the storage without starting any background process.
func withStorage(ctx context.Context, fn func(svc *appServices) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.shutdown()
	return fn(svc)
}
