// Package app initializes and holds the long-lived services of the crawl
// service, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/api"
	"github.com/sitequest/sitequest/internal/clock/system"
	"github.com/sitequest/sitequest/internal/config"
	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/decision"
	"github.com/sitequest/sitequest/internal/dispatcher"
	"github.com/sitequest/sitequest/internal/extract"
	"github.com/sitequest/sitequest/internal/fetch"
	"github.com/sitequest/sitequest/internal/id/uuid"
	"github.com/sitequest/sitequest/internal/logging"
	"github.com/sitequest/sitequest/internal/metrics"
	"github.com/sitequest/sitequest/internal/oracle"
	"github.com/sitequest/sitequest/internal/persistence"
	"github.com/sitequest/sitequest/internal/progress"
	"github.com/sitequest/sitequest/internal/progress/sinks"
	"github.com/sitequest/sitequest/internal/queue"
	"github.com/sitequest/sitequest/internal/storage"
	"github.com/sitequest/sitequest/internal/webhook"
	"github.com/sitequest/sitequest/internal/worker"
)

// App holds every shared, long-lived service. It is initialized once at
// startup and torn down by Close in reverse order of construction.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *coordinator.Registry
	Queue    crawler.JobQueue
	Hub      *progress.Hub
	Webhooks *webhook.Dispatcher
	Server   *api.Server

	dispatcher *dispatcher.Dispatcher
	closers    []func(context.Context) error
}

// New builds the full service from configuration, failing fast if any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	clk := system.New()
	idGen := uuid.NewGenerator()

	promReg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(promReg)
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(promReg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}

	a.Webhooks = webhook.New(webhook.Config{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BackoffInitial: time.Duration(cfg.Webhook.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Webhook.BackoffMaxMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Webhook.RequestTimeoutSeconds) * time.Second,
	}, nil, logger)

	a.Hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), promSink, a.Webhooks)
	a.closers = append(a.closers, a.Hub.Close)

	if err := a.initQueue(ctx); err != nil {
		return nil, err
	}

	fetcher, err := a.initFetcher()
	if err != nil {
		return nil, err
	}
	store, err := a.initStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.initBlobs(ctx)
	if err != nil {
		return nil, err
	}
	scorer, err := BuildOracle(cfg.Oracle, logger)
	if err != nil {
		return nil, err
	}

	a.Registry = coordinator.NewRegistry()

	decCfg := DecisionConfig(cfg.Decision)
	retryCfg := worker.RetryConfig{
		MaxAttempts:    cfg.Fetcher.MaxRetries,
		BackoffInitial: time.Duration(cfg.Fetcher.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Fetcher.BackoffMaxMs) * time.Millisecond,
	}
	newPool := func(coord *coordinator.Coordinator) dispatcher.Runner {
		engine := decision.New(decCfg, scorer, coord.PatternIndex(), clk, logger)
		return worker.New(worker.Config{
			Workers: cfg.Crawl.DefaultConcurrency,
			Retry:   retryCfg,
		}, worker.Deps{
			Coordinator: coord,
			Engine:      engine,
			Fetcher:     fetcher,
			Extractor:   extract.New(),
			Store:       store,
			Blobs:       blobs,
			Clock:       clk,
			Logger:      logger,
		})
	}

	a.dispatcher = dispatcher.New(dispatcher.Config{
		MaxConcurrentJobs: cfg.Crawl.MaxConcurrentJobs,
	}, dispatcher.Deps{
		Queue:    a.Queue,
		Registry: a.Registry,
		Emitter:  a.Hub,
		Clock:    clk,
		Webhooks: a.Webhooks,
		NewPool:  newPool,
		Logger:   logger,
	})

	a.Server = api.NewServer(api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Limits: api.Limits{
			DefaultMaxPages:    cfg.Crawl.DefaultMaxPages,
			MaxPages:           cfg.Crawl.MaxPages,
			DefaultMaxDepth:    cfg.Crawl.DefaultMaxDepth,
			MaxDepth:           cfg.Crawl.MaxDepth,
			DefaultConcurrency: cfg.Crawl.DefaultConcurrency,
			MaxConcurrency:     cfg.Crawl.MaxConcurrency,
			DefaultTimeLimit:   time.Duration(cfg.Crawl.DefaultTimeLimitS) * time.Second,
			MaxTimeLimit:       time.Duration(cfg.Crawl.MaxTimeLimitS) * time.Second,
		},
	}, api.Deps{
		Registry:    a.Registry,
		Queue:       a.Queue,
		Emitter:     a.Hub,
		Webhooks:    a.Webhooks,
		IDGen:       idGen,
		Clock:       clk,
		Logger:      logger,
		Gatherer:    promReg,
		HTTPMetrics: httpMetrics,
	})

	logger.Info("application services initialized",
		zap.String("queue", cfg.Queue.Provider),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("persistence", cfg.Persistence.Enabled),
	)
	return a, nil
}

func (a *App) initQueue(ctx context.Context) error {
	switch a.Config.Queue.Provider {
	case "pubsub":
		q, err := queue.NewPubSub(ctx,
			a.Config.Queue.ProjectID,
			a.Config.Queue.TopicID,
			a.Config.Queue.SubscriptionID,
			a.Logger,
		)
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		a.Queue = q
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })
	case "memory", "":
		q := queue.NewMemory(a.Config.Queue.Depth)
		a.Queue = q
		a.closers = append(a.closers, func(context.Context) error { q.Close(); return nil })
	default:
		return fmt.Errorf("unknown queue provider %q", a.Config.Queue.Provider)
	}
	return nil
}

func (a *App) initFetcher() (crawler.Fetcher, error) {
	fc := a.Config.Fetcher
	if fc.HeadlessEnabled {
		headless, err := fetch.NewHeadlessFetcher(fetch.HeadlessConfig{
			UserAgent:      fc.UserAgent,
			MaxConcurrency: fc.HeadlessMaxParallel,
			NavTimeout:     time.Duration(fc.HeadlessNavTimeoutS) * time.Second,
		}, a.Logger)
		switch {
		case err == nil:
			a.closers = append(a.closers, func(context.Context) error { return headless.Close() })
			return headless, nil
		default:
			a.Logger.Warn("headless fetcher unavailable, falling back to HTTP fetcher", zap.Error(err))
		}
	}
	return fetch.NewCollyFetcher(fetch.CollyConfig{
		UserAgent:      fc.UserAgent,
		RequestTimeout: time.Duration(fc.RequestTimeoutSeconds) * time.Second,
		DomainQPS:      fc.DomainQPS,
	}, a.Logger), nil
}

func (a *App) initStore(ctx context.Context) (crawler.ResultStore, error) {
	if !a.Config.Persistence.Enabled {
		return nil, nil
	}
	store, err := persistence.NewPageStore(ctx, persistence.Config{
		DSN:      a.Config.Persistence.DSN,
		Table:    a.Config.Persistence.Table,
		MaxConns: a.Config.Persistence.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init page store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
	return store, nil
}

func (a *App) initBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.Config.Storage.Provider {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := storage.NewGCS(client, storage.GCSConfig{Bucket: a.Config.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return blobs, nil
	case "local":
		blobs, err := storage.NewLocal(storage.LocalConfig{BaseDir: a.Config.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return blobs, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", a.Config.Storage.Provider)
	}
}

// Run serves HTTP and consumes the job queue until ctx is cancelled, then
// shuts both down gracefully.
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatcher.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.Logger.Warn("dispatcher did not drain before deadline")
	}
	return nil
}

// Close tears down services in reverse order of construction.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// BuildOracle maps oracle configuration to an implementation. "none" returns
// nil, which degrades jobs with objectives to plain crawling.
func BuildOracle(cfg config.OracleConfig, logger *zap.Logger) (crawler.Oracle, error) {
	switch cfg.Provider {
	case "claude":
		c, err := oracle.NewClaude(oracle.ClaudeConfig{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init claude oracle: %w", err)
		}
		return c, nil
	case "keyword", "":
		return oracle.NewKeyword(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

// DecisionConfig converts configuration thresholds into the engine's form.
func DecisionConfig(cfg config.DecisionConfig) decision.Config {
	return decision.Config{
		RelevanceThreshold:   cfg.RelevanceThreshold,
		DeepThreshold:        cfg.DeepThreshold,
		PatternConfidenceMin: cfg.PatternConfidenceMin,
		PatternWeight:        cfg.PatternWeight,
		RelevanceWeight:      cfg.RelevanceWeight,
		DeepBoost:            cfg.DeepBoost,
		OracleTimeout:        time.Duration(cfg.OracleTimeoutSeconds) * time.Second,
	}
}
