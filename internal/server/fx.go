// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/adapter"
	"github.com/JakeFAU/parcel-ingest/internal/api"
	"github.com/JakeFAU/parcel-ingest/internal/clock/system"
	"github.com/JakeFAU/parcel-ingest/internal/config"
	"github.com/JakeFAU/parcel-ingest/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/parcel-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/parcel-ingest/internal/headless"
	"github.com/JakeFAU/parcel-ingest/internal/id/uuid"
	"github.com/JakeFAU/parcel-ingest/internal/metrics"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/pipeline"
	"github.com/JakeFAU/parcel-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/parcel-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/parcel-ingest/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/parcel-ingest/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/parcel-ingest/internal/queue/memory"
	"github.com/JakeFAU/parcel-ingest/internal/registry"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/lee"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/manatee"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/pinellas"
	gcsstorage "github.com/JakeFAU/parcel-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/parcel-ingest/internal/storage/local"
	memoryStorage "github.com/JakeFAU/parcel-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/parcel-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/parcel-ingest/internal/storage/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    parcel.Clock
	ids      parcel.IDGenerator
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	store    parcel.Store
	blobs    parcel.BlobStore
	browser  *headless.Manager

	progressHub *progress.Hub
	publisher   *gcppublisher.Publisher
	gcs         *gcsstorage.BlobStore

	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
}

// Build creates the ingestion dependencies shared by the API server and the CLI.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.NewUUIDGenerator(),
	}
	logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("blobs", cfg.Blobs.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupBlobs(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupRegistry(); err != nil {
		app.Close(ctx)
		return nil, err
	}
	limiter := app.setupLimiter()
	observer, err := app.setupProgress(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.BreakerConfig{
		Threshold: cfg.Pipeline.BreakerThreshold,
		Cooldown:  cfg.Pipeline.BreakerCooldown,
		ShouldTrip: func(err error) bool {
			return parcel.IsCode(err, parcel.CodeBlocked)
		},
	}, app.clock.Now)

	deps := pipeline.Deps{
		Sources:  app.registry,
		Limiter:  limiter,
		Breakers: breakers,
		Observer: observer,
		IDs:      app.ids,
		Clock:    app.clock,
		Logger:   logger,
	}
	if app.store != nil {
		deps.Repo = app.store
		deps.Audit = app.store
	}
	if app.blobs != nil {
		deps.Blobs = app.blobs
	}
	pipeCfg := pipeline.Config{
		BlobPrefix: cfg.Blobs.Prefix,
		JobTimeout: cfg.Pipeline.JobTimeout,
	}
	if app.publisher != nil {
		deps.Publisher = app.publisher
		pipeCfg.Topic = cfg.PubSub.Topic
	}
	app.pipeline, err = pipeline.New(deps, pipeCfg)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return app, nil
}

// Run executes one ingestion request through the orchestrator.
func (a *App) Run(ctx context.Context, req pipeline.Request) pipeline.Result {
	return a.pipeline.Run(ctx, req)
}

// Sources lists the registered sources after config overrides.
func (a *App) Sources() []parcel.SourceConfig {
	return a.registry.Sources()
}

// DefaultSource reports the source used when a request names none.
func (a *App) DefaultSource() string {
	return a.registry.DefaultKey()
}

func (a *App) setupStore(ctx context.Context) error {
	cfg := a.cfg.Storage
	if !a.cfg.StorageConfigured() {
		a.logger.Warn("storage not configured, parcels will not be persisted",
			zap.String("backend", cfg.Backend),
			zap.String("code", string(parcel.CodeConfigMissing)),
		)
		return nil
	}
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.AutoMigrate {
			version, dirty, err := pgstore.Migrate(cfg.DSN)
			if err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
			a.logger.Info("postgres schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
	case config.BackendSQLite:
		store, err := sqlitestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.logger.Info("sqlite store opened", zap.String("path", cfg.SQLitePath))
		a.store = store
	default:
		a.logger.Info("using in-memory parcel store")
		a.store = memoryStorage.NewStore()
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	cfg := a.cfg.Blobs
	switch cfg.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.blobs = store
		a.logger.Info("using GCS blob store", zap.String("bucket", cfg.Bucket))
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local blob store", zap.String("path", cfg.BaseDir))
	case config.BackendMemory:
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	default:
		a.logger.Info("raw body archiving disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	cfg := a.cfg.PubSub
	if !cfg.Enabled {
		a.logger.Info("pubsub notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Connect(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	if cfg.CreateTopic {
		if err := pub.EnsureTopic(ctx, cfg.Topic); err != nil {
			_ = pub.Close()
			return fmt.Errorf("pubsub topic init failed: %w", err)
		}
	}
	a.publisher = pub
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return nil
}

func (a *App) setupRegistry() error {
	a.registry = registry.New()
	logger := a.logger.Named("scraper")

	var (
		browserOnce sync.Once
		browserErr  error
	)
	browser := func() (scraper.Browser, error) {
		browserOnce.Do(func() {
			a.browser, browserErr = headless.NewManager(a.cfg.HeadlessConfig(), a.logger.Named("headless"))
		})
		if browserErr != nil {
			return nil, fmt.Errorf("browser init failed: %w", browserErr)
		}
		return scraper.NewBrowser(a.browser, headless.PageConfig{}), nil
	}

	register := func(base parcel.SourceConfig, build func(cfg parcel.SourceConfig) (scraper.Scraper, string, error)) error {
		src, enabled := a.cfg.ApplySource(base)
		if !enabled {
			a.logger.Info("source disabled", zap.String("source", src.Key))
			return nil
		}
		err := a.registry.Register(src, func(context.Context) (adapter.Adapter, error) {
			s, method, err := build(src)
			if err != nil {
				return nil, err
			}
			return adapter.NewScraperAdapter(s,
				adapter.WithMethod(method),
				adapter.WithClock(a.clock),
				adapter.WithLogger(a.logger),
			), nil
		})
		if err != nil {
			return fmt.Errorf("register source %s: %w", src.Key, err)
		}
		a.logger.Debug("source registered", zap.String("source", src.Key), zap.String("base_url", src.BaseURL))
		return nil
	}

	if err := register(pinellas.Source(), func(cfg parcel.SourceConfig) (scraper.Scraper, string, error) {
		b, err := browser()
		if err != nil {
			return nil, "", err
		}
		return pinellas.New(b, cfg, logger), "headless", nil
	}); err != nil {
		return err
	}
	if err := register(lee.Source(), func(cfg parcel.SourceConfig) (scraper.Scraper, string, error) {
		b, err := browser()
		if err != nil {
			return nil, "", err
		}
		return lee.New(b, cfg, logger), "headless", nil
	}); err != nil {
		return err
	}
	if err := register(manatee.Source(), func(cfg parcel.SourceConfig) (scraper.Scraper, string, error) {
		fetcher := collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.HTTP.UserAgent,
			RespectRobots: a.cfg.HTTP.RespectRobots,
			Timeout:       a.cfg.HTTP.Timeout,
			Retry:         a.retryPolicy(cfg.Retry),
		}, a.logger.Named("fetcher"))
		return manatee.New(fetcher, cfg, logger), "http", nil
	}); err != nil {
		return err
	}

	if key := a.cfg.Pipeline.DefaultSource; key != "" {
		if err := a.registry.SetDefault(key); err != nil {
			return fmt.Errorf("default source: %w", err)
		}
	}
	return nil
}

// retryPolicy maps a source's retry declaration onto the HTTP retry schedule.
func (a *App) retryPolicy(rp parcel.RetryPolicy) resilience.Policy {
	attempts := rp.MaxAttempts
	if attempts <= 0 {
		attempts = a.cfg.HTTP.MaxRetries
	}
	backoff := rp.InitialBackoff
	if backoff <= 0 {
		backoff = a.cfg.HTTP.InitialBackoff
	}
	return resilience.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: backoff,
		MaxBackoff:     a.cfg.HTTP.MaxBackoff,
		Multiplier:     rp.Multiplier,
		Jitter:         0.2,
		ShouldRetry:    resilience.IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			a.logger.Warn("retrying http fetch",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}
}

func (a *App) setupLimiter() *ratelimit.Limiter {
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: 1, DefaultBurst: 1})
	for _, src := range a.registry.Sources() {
		limiter.Configure(src.Key, src.RateLimit)
		a.logger.Debug("rate limit configured",
			zap.String("source", src.Key),
			zap.Float64("rps", src.RateLimit.RequestsPerSecond),
			zap.Int("burst", src.RateLimit.Burst),
		)
	}
	return limiter
}

func (a *App) setupProgress(ctx context.Context) (pipeline.Observer, error) {
	cfg := a.cfg.Progress
	if !cfg.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if cfg.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if cfg.StoreSink && a.store != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.store, a.logger.Named("progress_store")))
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return pipeline.NewEmitterObserver(a.progressHub), nil
}

// Serve builds the worker pool and HTTP API, then blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queueMemory.NewQueue(a.cfg.Queue.Depth)
	a.dispatch = dispatcher.New(q, a.pipeline, dispatcher.Config{Workers: a.cfg.Queue.Workers},
		a.ids, a.clock, a.logger)

	deps := api.Deps{
		Runner:  a.pipeline,
		Batch:   a.dispatch,
		Sources: a.registry,
		Logger:  a.logger,
	}
	if a.store != nil {
		deps.Parcels = a.store
		deps.Runs = a.store
	}
	a.apiServer = api.NewServer(deps, a.cfg)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.dispatch.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown timeout")
	}
	a.Close(shutdownCtx)
	return nil
}

// Close releases every owned resource. It is safe to call on a partly built App.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
}
