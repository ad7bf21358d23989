package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/statusmirror/internal/api"
	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
	"github.com/shohag/statusmirror/internal/storage"
	"github.com/shohag/statusmirror/internal/tracing"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "statusmirror",
		Short: "StatusMirror mirrors your own statuses from one account to another, exactly once",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(selfcheckCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(eventsCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, setupLogger(cfg.Logging), nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and the delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version)
			if err != nil {
				return fmt.Errorf("failed to init tracing: %w", err)
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := shutdownTracing(sctx); err != nil {
					log.Error().Err(err).Msg("tracing shutdown error")
				}
			}()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			log.Info().Msg("database migrations completed")

			a.pool.Start(ctx)

			server := api.NewServer(cfg, a.store, a.pool, a.runSelfcheck, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Bool("dry_run", cfg.Delivery.DryRun).
				Msg("StatusMirror is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			a.pool.Stop()

			log.Info().Msg("StatusMirror stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func selfcheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "selfcheck",
		Short: "Run one synthetic event through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(context.Background(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.runSelfcheck(context.Background())
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Passed {
				return fmt.Errorf("selfcheck failed at %s", res.FailedStage)
			}
			return nil
		},
	}
}

func sweepCmd(configPath *string) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep and process what it finds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pool.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			a.pool.Start(ctx)
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for a.pool.Busy() > 0 {
				select {
				case <-ctx.Done():
					log.Warn().Int("busy", a.pool.Busy()).Msg("sweep wait elapsed, remaining events stay in the ledger")
				case <-ticker.C:
					continue
				}
				break
			}
			a.pool.Stop()
			return printJSON(res)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "how long to wait for swept events to be processed")
	return cmd
}

func eventsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect ledger events",
	}

	var state string
	var limit, offset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := store.ListEvents(context.Background(), storage.EventFilter{
				State: models.EventState(state), Limit: limit, Offset: offset,
			})
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			if len(events) == 0 {
				fmt.Println("No events found.")
				return nil
			}
			for _, ev := range events {
				fmt.Printf("  %s  %-16s  %-5s  %s  (received %s)\n",
					ev.ID, ev.State, ev.MediaKind, ev.ExternalID, ev.ReceivedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&state, "state", "", "filter by state")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	listCmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	showCmd := &cobra.Command{
		Use:   "show <id|external_id>",
		Short: "Show an event with its attempts and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			ev, err := store.GetEvent(ctx, args[0])
			if err == nil && ev == nil {
				ev, err = store.GetEventByExternalID(ctx, args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to get event: %w", err)
			}
			if ev == nil {
				return fmt.Errorf("event %s not found", args[0])
			}
			attempts, err := store.ListAttempts(ctx, ev.ID)
			if err != nil {
				return fmt.Errorf("failed to get attempts: %w", err)
			}
			artifacts, err := store.ListArtifacts(ctx, ev.ID)
			if err != nil {
				return fmt.Errorf("failed to get artifacts: %w", err)
			}
			return printJSON(map[string]interface{}{
				"event":     ev,
				"attempts":  attempts,
				"artifacts": artifacts,
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("StatusMirror v%s\n", version)
		},
	}
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
