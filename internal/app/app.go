// Package app initializes and holds long-lived services for a scrape run, acting as a dependency injection
// container. Exactly one remote storage client, database pool and Pub/Sub client exist per App.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/trivalaya/lotscraper/internal/clock/system"
	"github.com/trivalaya/lotscraper/internal/config"
	"github.com/trivalaya/lotscraper/internal/extract"
	collyfetcher "github.com/trivalaya/lotscraper/internal/fetcher/colly"
	"github.com/trivalaya/lotscraper/internal/fetcher/headless"
	"github.com/trivalaya/lotscraper/internal/hash/sha256"
	"github.com/trivalaya/lotscraper/internal/id/uuid"
	"github.com/trivalaya/lotscraper/internal/ingest"
	"github.com/trivalaya/lotscraper/internal/logging"
	"github.com/trivalaya/lotscraper/internal/lot"
	"github.com/trivalaya/lotscraper/internal/metrics"
	"github.com/trivalaya/lotscraper/internal/pipeline"
	"github.com/trivalaya/lotscraper/internal/policy/ratelimit"
	"github.com/trivalaya/lotscraper/internal/publisher/pubsub"
	"github.com/trivalaya/lotscraper/internal/site"
	"github.com/trivalaya/lotscraper/internal/snapshot"
	"github.com/trivalaya/lotscraper/internal/storage/gcs"
	"github.com/trivalaya/lotscraper/internal/storage/jsonl"
	"github.com/trivalaya/lotscraper/internal/storage/local"
	"github.com/trivalaya/lotscraper/internal/storage/postgres"
	s3store "github.com/trivalaya/lotscraper/internal/storage/s3"
)

const defaultJSONLName = "lots.jsonl"

// closeFunc releases one long-lived resource.
type closeFunc func() error

// Factories build the external clients. Tests swap them to avoid network access.
type Factories struct {
	Remote    func(ctx context.Context, cfg config.StorageConfig) (lot.BlobStore, closeFunc, error)
	Records   func(ctx context.Context, cfg config.Config) (lot.RecordStore, closeFunc, error)
	Publisher func(ctx context.Context, cfg config.PubSubConfig) (lot.Publisher, closeFunc, error)
}

// DefaultFactories talk to the real services.
func DefaultFactories() Factories {
	return Factories{
		Remote:    newRemoteStore,
		Records:   newRecordStore,
		Publisher: newPublisher,
	}
}

// App holds the shared services for one process.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	sites   *site.Registry
	runner  *pipeline.Runner
	metrics *metrics.Server
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close closeFunc
}

// Sites returns the loaded site descriptors.
func (a *App) Sites() *site.Registry {
	return a.sites
}

// Runner returns the lot range runner.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Run scrapes one lot range.
func (a *App) Run(ctx context.Context, job pipeline.Job) (pipeline.Summary, error) {
	return a.runner.Run(ctx, job)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// New wires every component from cfg. It fails fast if a configured service cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewWithFactories(ctx, cfg, logger, DefaultFactories())
}

// NewWithFactories is New with replaceable client constructors.
func NewWithFactories(ctx context.Context, cfg config.Config, logger *zap.Logger, f Factories) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logging.OrNop(logger)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.sites, err = site.Load(cfg.Sites.Path)
	if err != nil {
		return nil, err
	}
	a.logger.Info("site descriptors loaded", zap.Strings("sites", a.sites.Names()))

	if cfg.Scrape.DryRun {
		// Nothing is written, so no destination, database or topic is opened.
		cfg.EnableDryRun()
		a.logger.Info("dry run: records are extracted but not stored")
	}

	var localStore, remoteStore lot.BlobStore
	if cfg.Storage.LocalEnabled() {
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalRoot})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		localStore = store
	}
	if cfg.Storage.RemoteEnabled() {
		store, closer, err := f.Remote(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init remote storage: %w", err)
		}
		a.addCloser("remote storage", closer)
		remoteStore = store
		a.logger.Info("remote storage ready", zap.String("provider", cfg.Storage.Provider))
	}

	var records lot.RecordStore
	if !cfg.Scrape.DryRun {
		store, closer, err := f.Records(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init record store: %w", err)
		}
		a.addCloser("record store", closer)
		records = store
	}

	var publisher lot.Publisher
	if cfg.PubSub.Topic != "" {
		p, closer, err := f.Publisher(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.addCloser("publisher", closer)
		publisher = p
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodySize,
		Retries:     cfg.HTTP.Retries,
		Backoff:     cfg.HTTP.RetryBackoff,
	})
	extractOpts := []extract.Option{
		extract.WithLogger(a.logger),
		extract.WithArchiver(snapshot.New(cfg.Storage.SnapshotMode, localStore, remoteStore, a.logger)),
	}
	if cfg.Headless.Enabled {
		h, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
			ExecPath:          cfg.Headless.ExecPath,
			BlockResources:    cfg.Headless.BlockResources,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.addCloser("headless fetcher", func() error { h.Close(); return nil })
		extractOpts = append(extractOpts, extract.WithHeadless(h))
	}

	clock := system.New()
	p := pipeline.New(
		extract.New(fetcher, clock, extractOpts...),
		ingest.New(fetcher, localStore, remoteStore, sha256.New(), a.logger),
		records,
		publisher,
		clock,
		pipeline.Config{ImageMode: cfg.Storage.ImageMode, Topic: cfg.PubSub.Topic, DryRun: cfg.Scrape.DryRun},
		a.logger,
	)
	a.runner = pipeline.NewRunner(
		a.sites,
		p,
		ratelimit.New(ratelimit.Config{DefaultInterval: cfg.Scrape.DefaultDelay}),
		uuid.New(),
		pipeline.RunnerConfig{
			Concurrency:   cfg.Scrape.Concurrency,
			NotFoundLimit: cfg.Scrape.NotFoundLimit,
			DryRun:        cfg.Scrape.DryRun,
		},
		a.logger,
	)

	if cfg.Metrics.Addr != "" {
		a.metrics = metrics.NewServer(cfg.Metrics.Addr, a.logger)
		a.metrics.Start()
	}
	return a, nil
}

func (a *App) addCloser(name string, c closeFunc) {
	if c != nil {
		a.closers = append(a.closers, namedCloser{name: name, close: c})
	}
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("error stopping metrics listener", zap.Error(err))
		}
		cancel()
		a.metrics = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on stderr-backed loggers on some platforms.
	_ = a.logger.Sync()
}

func newRemoteStore(ctx context.Context, cfg config.StorageConfig) (lot.BlobStore, closeFunc, error) {
	switch cfg.Provider {
	case config.ProviderS3:
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		return store, nil, err
	case config.ProviderGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func newRecordStore(ctx context.Context, cfg config.Config) (lot.RecordStore, closeFunc, error) {
	if cfg.Database.DSN != "" {
		store, err := postgres.NewLotStore(ctx, postgres.LotStoreConfig{
			DSN:      cfg.Database.DSN,
			Table:    cfg.Database.Table,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { store.Close(); return nil }, nil
	}
	path := cfg.Output.JSONL
	if path == "" {
		path = filepath.Join(cfg.Storage.LocalRoot, defaultJSONLName)
	}
	store, err := jsonl.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func newPublisher(ctx context.Context, cfg config.PubSubConfig) (lot.Publisher, closeFunc, error) {
	p, err := pubsub.New(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
