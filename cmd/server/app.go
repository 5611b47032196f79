package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/warp/obligation-engine/config"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/importer"
	"github.com/warp/obligation-engine/recurrence"
	"github.com/warp/obligation-engine/scheduler"
	"github.com/warp/obligation-engine/store/sqlite"
	"github.com/warp/obligation-engine/timeline"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *sqlite.Store
	generator  *timeline.Generator
	reconciler *timeline.Reconciler
	importer   *importer.Importer
	maintainer *timeline.Maintainer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	store, err := sqlite.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	if cfg.Catalog != "" {
		if err := seedCatalog(ctx, store, cfg.Catalog, logger); err != nil {
			store.Close()
			return nil, err
		}
	}

	gen := timeline.NewGenerator(store, store, store, recurrence.NewResolver(loc))
	gen.OneTimeGrace = cfg.OneTimeGrace()
	gen.Logger = logger

	rec := timeline.NewReconciler(store)
	rec.Logger = logger

	imp := importer.New(store, gen)
	imp.ChunkSize = cfg.Import.ChunkSize
	imp.MaxRetries = cfg.Import.MaxRetries
	imp.ChunkTimeout = cfg.Import.ChunkTimeout
	imp.Concurrency = cfg.Import.Concurrency
	imp.Logger = logger

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		generator:  gen,
		reconciler: rec,
		importer:   imp,
		maintainer: &timeline.Maintainer{
			Clients:    store,
			Generator:  gen,
			Reconciler: rec,
			AutoRemove: cfg.Scheduler.AutoRemoveDuplicates,
			Logger:     logger,
		},
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newScheduler registers the maintenance jobs.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New()
	s.Enabled = a.cfg.Scheduler.Enabled
	s.Logger = a.logger

	jobs := []scheduler.Job{
		{
			Name:     "regenerate-timelines",
			Interval: a.cfg.Scheduler.MaintenanceInterval,
			Run: func(ctx context.Context) error {
				_, err := a.maintainer.RegenerateAll(ctx)
				return err
			},
		},
		{
			Name:       "check-duplicates",
			Interval:   a.cfg.Scheduler.DuplicateCheckInterval,
			RunOnStart: true,
			Run:        a.maintainer.CheckDuplicates,
		},
	}
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// seedCatalog upserts every activity of a catalog file.
func seedCatalog(ctx context.Context, store timeline.CatalogStore, path string, logger *slog.Logger) error {
	activities, err := factory.LoadCatalogFile(path)
	if err != nil {
		return err
	}
	for _, a := range activities {
		if err := store.SaveActivity(ctx, a); err != nil {
			return fmt.Errorf("seed activity %s: %w", a.ID, err)
		}
	}
	logger.Info("catalog seeded", "component", "main", "path", path, "activities", len(activities))
	return nil
}
