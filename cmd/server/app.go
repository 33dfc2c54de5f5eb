package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"resonance/internal/backend"
	"resonance/internal/config"
	"resonance/internal/downloader"
	"resonance/internal/events"
	"resonance/internal/metrics"
	"resonance/internal/musicbrainz"
	"resonance/internal/orchestrator"
	"resonance/internal/repository/sqlite"
	"resonance/internal/service"
	"resonance/internal/slskd"
	"resonance/internal/wishlist"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      config.Config
	logger   *logrus.Logger
	db       *sql.DB
	bus      *events.Bus
	registry *prometheus.Registry
	wishlist *wishlist.File
	tasks    service.TaskService
	manager  downloader.Manager

	discoveries service.DiscoveryService
}

func newApp(ctx context.Context) (*app, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	taskRepo := sqlite.NewTaskRepository(db)
	fileRepo := sqlite.NewTaskFileRepository(db)
	if err := taskRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task repository: %w", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init file repository: %w", err)
	}
	discoveryRepo := sqlite.NewDiscoveryRepository(db)
	if err := discoveryRepo.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init discovery repository: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	bus := events.NewBus(64)
	registry.MustRegister(metrics.DroppedEvents(bus.Dropped))
	notifier := events.Multi{events.LogNotifier{Logger: logger}, bus}

	client := slskd.New(slskd.Config{
		BaseURL: cfg.Slskd.URL,
		APIKey:  cfg.Slskd.APIKey,
		Logger:  logger,
	})

	var resolver backend.TrackCountResolver
	if cfg.MusicBrainz.Enabled {
		resolver = musicbrainz.New(musicbrainz.Config{
			BaseURL:           cfg.MusicBrainz.BaseURL,
			UserAgent:         cfg.MusicBrainz.UserAgent,
			RequestsPerSecond: cfg.MusicBrainz.Rate,
			Logger:            logger,
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		Settings: cfg.Pipeline(),
		Logger:   logger,
		Metrics:  m,
	}, client, resolver, taskRepo, fileRepo, notifier)

	taskService := service.NewTaskService(service.Config{Logger: logger}, taskRepo, fileRepo, orch, notifier)
	list := wishlist.NewFile(cfg.Wishlist.Path)
	discoveryService := service.NewDiscoveryService(service.Config{Logger: logger}, discoveryRepo, taskService, list)

	managerCfg := downloader.Config{
		Interval:     cfg.Downloader.Interval,
		InitialDelay: cfg.Downloader.InitialDelay,
		BatchSize:    cfg.Downloader.BatchSize,
		Logger:       logger,
		Metrics:      m,
	}
	if cfg.Wishlist.Sync {
		logger.Infof("syncing wishlist from %s before each run", list.Path())
		managerCfg.Prepare = func(ctx context.Context) error {
			entries, err := list.Load()
			if err != nil {
				return fmt.Errorf("load %s: %w", list.Path(), err)
			}
			res, err := taskService.SyncWishlist(ctx, entries)
			if err != nil {
				return err
			}
			if res.Created > 0 {
				logger.Infof("wishlist sync created %d of %d tasks", res.Created, res.Entries)
			}
			return nil
		}
	}
	manager := downloader.NewManager(managerCfg, orch, client, taskRepo, notifier)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		bus:      bus,
		registry: registry,
		wishlist: list,
		tasks:    taskService,
		manager:  manager,

		discoveries: discoveryService,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}
