package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shohag/statusmirror/internal/archive"
	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/delivery"
	"github.com/shohag/statusmirror/internal/media"
	"github.com/shohag/statusmirror/internal/notify"
	"github.com/shohag/statusmirror/internal/pipeline"
	"github.com/shohag/statusmirror/internal/provider"
	"github.com/shohag/statusmirror/internal/selfcheck"
	"github.com/shohag/statusmirror/internal/storage"
)

// app holds every long-lived component of a running instance.
type app struct {
	cfg         *config.Config
	log         zerolog.Logger
	store       storage.Storage
	tasks       storage.TaskTable
	files       *media.FileStore
	transformer media.Transformer
	retry       delivery.RetryPolicy
	orch        *pipeline.Orchestrator
	pool        *delivery.Pool
	closers     []func() error
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, retry: delivery.NewRetryPolicy(cfg.Retry)}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if err := store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.tasks = storage.NoopTaskTable{}
	if cfg.TaskTable.Enabled {
		path := cfg.TaskTable.Path
		if path == "" {
			path = cfg.Storage.SQLite.Path
		}
		tasks, err := storage.NewSQLiteTaskTable(path, cfg.TaskTable.Target)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open task table: %w", err)
		}
		a.closers = append(a.closers, tasks.Close)
		if err := tasks.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to prepare task table: %w", err)
		}
		a.tasks = tasks
		log.Info().Str("path", path).Str("target", cfg.TaskTable.Target).Msg("task table handoff enabled")
	}

	a.files = media.NewFileStore(cfg.Storage.MediaDir)
	if err := a.files.Ensure(); err != nil {
		a.Close()
		return nil, fmt.Errorf("media dir: %w", err)
	}

	ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)
	if err := ffmpeg.Available(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not available, video events will fail with ToolUnavailable")
	}
	a.transformer = media.NewLetterboxer(a.files, ffmpeg, cfg.Media.MaxVideoDuration, cfg.Media.TransformTimeout)

	source := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.SourceToken, cfg.Media.DownloadTimeout)
	acquirer := media.NewAcquirer(source, a.files, cfg.Media.MaxBytes, cfg.Media.DownloadTimeout)

	var publisher delivery.Publisher
	if cfg.Delivery.DryRun {
		publisher = delivery.DryRunPublisher{}
		log.Warn().Msg("dry run: statuses are not posted to the target account")
	} else {
		target := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.TargetToken, cfg.Media.PublishTimeout)
		publisher = delivery.NewStatusPublisher(target, cfg.Media.PublishTimeout)
	}

	deps := pipeline.Deps{
		Store:         store,
		Tasks:         a.tasks,
		Acquirer:      acquirer,
		Transformer:   a.transformer,
		Publisher:     publisher,
		Retry:         a.retry,
		Files:         a.files,
		KeepArtifacts: cfg.TaskTable.Enabled,
		Log:           log,
	}
	if cfg.Archive.Enabled {
		arch, err := archive.New(cfg.Archive)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Archiver = arch
		log.Info().Str("endpoint", cfg.Archive.Endpoint).Str("bucket", cfg.Archive.Bucket).Msg("artifact archive enabled")
	}
	if cfg.Notify.Enabled {
		n := notify.New(cfg.Notify)
		a.closers = append(a.closers, n.Close)
		deps.Notifier = n
		log.Info().Strs("brokers", cfg.Notify.Brokers).Str("topic", cfg.Notify.Topic).Msg("outcome notifications enabled")
	}

	a.orch = pipeline.New(deps)
	a.pool = delivery.NewPool(cfg.Delivery, cfg.Retention, store, a.orch, a.files, log)
	return a, nil
}

func (a *app) runSelfcheck(ctx context.Context) *selfcheck.Result {
	return selfcheck.Run(ctx, selfcheck.Deps{
		Store:       a.store,
		Files:       a.files,
		Transformer: a.transformer,
		Retry:       a.retry,
		Log:         a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
