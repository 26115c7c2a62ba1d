// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the archiver.
package app

import (
	"context"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/archiver"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/clock/system"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/config"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/drain"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/hash/sha256"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/logging"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/metrics"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/publisher/pubsub"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/queue"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/recorder"
	pgrecorder "github.com/LeCloutPanda/anyland-archive-redux/internal/recorder/postgres"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/resolver"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/storage/gcs"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/storage/local"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/storage/memory"
)

// outcomeStore is what the queue and drain loop need from a recorder
// implementation: outcome persistence plus the archived index.
type outcomeStore interface {
	archive.Recorder
	archive.ArchivedIndex
}

// App holds the shared, long-lived services for the archiver. It is built
// once at startup from config and torn down with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	queue  *queue.Manager
	loop   *drain.Loop

	recorderClose  func() error
	publisherClose func() error
}

// New wires every service the archiver needs: logger, blob store, recorder,
// optional publisher, resolver, archiver, queue manager and drain loop. It
// fails fast if any of them cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()
	clock := system.New()

	blobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, storeClose, err := buildRecorder(ctx, cfg, clock, logger)
	if err != nil {
		return nil, err
	}

	var pub archive.Publisher
	var pubClose func() error
	if cfg.PubSub.Enabled {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		p, err := pubsub.New(client)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		pub = p
		pubClose = p.Close
		logger.Info("publishing outcome events",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.Topic),
		)
	}

	res, err := resolver.New(resolver.Config{
		BaseURL:   cfg.Service.BaseURL,
		UserAgent: cfg.Service.UserAgent,
		Timeout:   secondsToDuration(cfg.Service.SearchTimeoutSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}

	arch, err := archiver.New(blobs, sha256.New(), archiver.Config{
		BaseURL:     cfg.Service.BaseURL,
		UserAgent:   cfg.Service.UserAgent,
		Prefix:      cfg.Storage.Prefix,
		ContentType: cfg.Storage.ContentType,
		Timeout:     secondsToDuration(cfg.Service.DownloadTimeoutSeconds),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}

	q := queue.NewManager(store, res, store, clock, logger)
	loop := drain.New(q, arch, store, pub, clock, drain.Config{
		Interval:       cfg.DrainInterval(),
		ArchiveTimeout: cfg.ArchiveTimeout(),
		Topic:          cfg.PubSub.Topic,
	}, logger)

	return &App{
		cfg:            cfg,
		logger:         logger,
		queue:          q,
		loop:           loop,
		recorderClose:  storeClose,
		publisherClose: pubClose,
	}, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Queue returns the download queue manager.
func (a *App) Queue() *queue.Manager { return a.queue }

// Loop returns the drain loop.
func (a *App) Loop() *drain.Loop { return a.loop }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Close stops the drain loop and releases recorder and publisher resources.
func (a *App) Close() {
	a.loop.Stop()
	if a.recorderClose != nil {
		if err := a.recorderClose(); err != nil {
			a.logger.Warn("close recorder", zap.Error(err))
		}
	}
	if a.publisherClose != nil {
		if err := a.publisherClose(); err != nil {
			a.logger.Warn("close publisher", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; syncing stderr commonly fails on some platforms.
		_ = err
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		logger.Info("using local blob storage", zap.String("dir", cfg.Storage.BaseDir))
		return store, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		logger.Info("using gcs blob storage", zap.String("bucket", cfg.Storage.GCSBucket))
		return store, nil
	case "memory":
		logger.Info("using in-memory blob storage; archived content is not durable")
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func buildRecorder(
	ctx context.Context,
	cfg config.Config,
	clock archive.Clock,
	logger *zap.Logger,
) (outcomeStore, func() error, error) {
	switch cfg.Recorder.Provider {
	case "file":
		rec, err := recorder.NewFileRecorder(recorder.FileConfig{
			Dir:        cfg.Recorder.Dir,
			ArchiveLog: cfg.Recorder.ArchiveLog,
			FailedLog:  cfg.Recorder.FailedLog,
			RunLog:     cfg.Recorder.RunLog,
		}, clock, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init file recorder: %w", err)
		}
		logger.Info("using file recorder", zap.String("dir", cfg.Recorder.Dir))
		return rec, rec.Close, nil
	case "postgres":
		store, err := pgrecorder.NewStore(ctx, pgrecorder.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres recorder: %w", err)
		}
		logger.Info("using postgres recorder")
		return store, func() error { store.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown recorder provider: %s", cfg.Recorder.Provider)
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
