// Package app initializes and holds the long-lived services of a crawl,
// acting as a dependency injection container between config and commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"path"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/config"
	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/discovery"
	"github.com/JakeFAU/harvest-crawler/internal/orchestrator"
	"github.com/JakeFAU/harvest-crawler/internal/progress"
	"github.com/JakeFAU/harvest-crawler/internal/progress/sinks"
	"github.com/JakeFAU/harvest-crawler/internal/publisher/kafka"
	pubmemory "github.com/JakeFAU/harvest-crawler/internal/publisher/memory"
	"github.com/JakeFAU/harvest-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/harvest-crawler/internal/renderer/headless"
	"github.com/JakeFAU/harvest-crawler/internal/renderer/httpfetch"
	"github.com/JakeFAU/harvest-crawler/internal/renderer/hybrid"
	"github.com/JakeFAU/harvest-crawler/internal/renderer/noop"
	"github.com/JakeFAU/harvest-crawler/internal/robots"
	"github.com/JakeFAU/harvest-crawler/internal/storage/gcs"
	"github.com/JakeFAU/harvest-crawler/internal/storage/local"
	"github.com/JakeFAU/harvest-crawler/internal/storage/memory"
	"github.com/JakeFAU/harvest-crawler/internal/storage/postgres"
)

// seedsOnlyRoot names the output root when no query is given.
const seedsOnlyRoot = "seeds"

// Options carries collaborators that are not derived from config.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
}

// App holds the services shared by one command invocation.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      crawler.BlobStore
	renderer   crawler.Renderer
	robots     crawler.RobotsPolicy
	recorder   crawler.OutcomeRecorder
	failureLog crawler.OutcomeRecorder
	publisher  crawler.Publisher
	hub        *progress.Hub
	closers    []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// GetLogger returns the shared logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the resolved configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetStore exposes the configured blob store.
func (a *App) GetStore() crawler.BlobStore {
	return a.store
}

// GetPublisher exposes the artifact notifier, nil when notifications are off.
func (a *App) GetPublisher() crawler.Publisher {
	return a.publisher
}

// Root is the per-query output directory name.
func (a *App) Root() string {
	return RootFor(a.cfg.Query)
}

// RootFor maps a query to its output directory name.
func RootFor(query string) string {
	if query == "" {
		return seedsOnlyRoot
	}
	return crawler.QueryDirName(query)
}

// NewApp builds every service named by cfg. It fails fast: anything already
// opened is closed again before the error is returned.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("Error releasing partially initialized services", zap.Error(cerr))
			}
			a = nil
		}
	}()

	logger.Info("Initializing application services...")

	if err = a.initStorage(ctx); err != nil {
		return a, err
	}
	if err = a.initRenderer(); err != nil {
		return a, err
	}
	a.robots, err = robots.New(robots.Config{
		Enabled:   cfg.Crawler.RespectRobots,
		UserAgent: cfg.Crawler.UserAgent,
	}, nil, logger.Named("robots"))
	if err != nil {
		return a, fmt.Errorf("failed to initialize robots policy: %w", err)
	}
	if err = a.initRecorders(ctx); err != nil {
		return a, err
	}
	if err = a.initPublisher(ctx); err != nil {
		return a, err
	}
	if err = a.initProgress(opts.Registerer); err != nil {
		return a, err
	}

	logger.Info("Application services initialized successfully.",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("renderer", cfg.Renderer.Kind),
		zap.String("notify", cfg.Notify.Backend),
		zap.Bool("db", a.recorder != nil),
	)
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = store
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize gcs client: %w", err)
		}
		a.addCloser("gcs client", func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = store
	case "memory":
		a.logger.Info("Using in-memory storage. Artifacts will be discarded on exit.")
		a.store = memory.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initRenderer() error {
	rc := a.cfg.Renderer
	ua := a.cfg.Crawler.UserAgent
	probe := func() crawler.Renderer {
		return httpfetch.New(httpfetch.Config{UserAgent: ua, MaxBodyBytes: rc.HTTP.MaxBodyBytes})
	}
	browser := func() (crawler.Renderer, error) {
		r, err := headless.New(headless.Config{
			ExecPath:    rc.Headless.ExecPath,
			UserAgent:   ua,
			IdleTimeout: rc.Headless.IdleTimeout,
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, err
		}
		a.addCloser("headless renderer", func(context.Context) error { return r.Close() })
		return r, nil
	}

	switch rc.Kind {
	case "headless":
		r, err := browser()
		if err != nil {
			return fmt.Errorf("init renderer: %w", err)
		}
		a.renderer = r
	case "http":
		a.renderer = probe()
	case "hybrid":
		r, err := browser()
		switch {
		case err == nil:
			detector := hybrid.NewDetector(rc.Detector.MinHTMLBytes, rc.Detector.SelectorMust, rc.Detector.Keywords)
			a.renderer = hybrid.New(probe(), r, detector, a.logger.Named("hybrid"))
		case errors.Is(err, crawler.ErrRendererDisabled):
			a.logger.Warn("Headless renderer unavailable; hybrid falls back to plain HTTP", zap.Error(err))
			a.renderer = probe()
		default:
			return fmt.Errorf("init renderer: %w", err)
		}
	case "noop":
		a.logger.Warn("Using the noop renderer. Every fetch will fail permanently.")
		a.renderer = noop.New()
	default:
		return fmt.Errorf("unknown renderer kind: %s", rc.Kind)
	}
	return nil
}

func (a *App) initRecorders(ctx context.Context) error {
	if a.cfg.DB.DSN != "" {
		a.logger.Info("Connecting to PostgreSQL...")
		store, err := postgres.NewOutcomeStore(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize outcome store: %w", err)
		}
		a.addCloser("outcome store", func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare outcome table: %w", err)
		}
		a.recorder = store
	}
	if a.cfg.Storage.FailureLog != "" {
		flog, err := local.OpenFailureLog(a.cfg.Storage.FailureLog)
		if err != nil {
			return fmt.Errorf("failed to open failure log: %w", err)
		}
		a.addCloser("failure log", func(context.Context) error { return flog.Close() })
		a.failureLog = flog
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "none":
	case "memory":
		a.publisher = pubmemory.New()
	case "pubsub":
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.Notify.Topic))
		pub, err := pubsub.Dial(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.addCloser("pubsub publisher", func(context.Context) error { return pub.Close() })
		a.publisher = pub
	case "kafka":
		pub, err := kafka.New(a.cfg.Notify.Brokers)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		a.addCloser("kafka publisher", func(context.Context) error { return pub.Close() })
		a.publisher = pub
	default:
		return fmt.Errorf("unknown notify backend: %s", a.cfg.Notify.Backend)
	}
	return nil
}

func (a *App) initProgress(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("failed to register progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger),
		promSink,
	)
	a.addCloser("progress hub", a.hub.Close)
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// NewDiscoverer builds the seed discoverer named by cfg.Discovery.
func NewDiscoverer(cfg config.Config, logger *zap.Logger) (crawler.Discoverer, error) {
	switch cfg.Discovery.Kind {
	case "static":
		return discovery.NewStatic(cfg.Seeds), nil
	case "searchpage":
		d, err := discovery.NewSearchPage(discovery.SearchPageConfig{
			URLTemplate:    cfg.Discovery.URLTemplate,
			ResultSelector: cfg.Discovery.ResultSelector,
			PageParam:      cfg.Discovery.PageParam,
			MaxPages:       cfg.Discovery.MaxPages,
			Pacing:         cfg.Discovery.Pacing,
			UserAgent:      cfg.Crawler.UserAgent,
			Timeout:        cfg.Discovery.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init discovery: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown discovery kind: %s", cfg.Discovery.Kind)
	}
}

// Orchestrator wires the services into a crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Renderer:   a.renderer,
		Store:      a.store,
		Robots:     a.robots,
		Recorder:   a.recorder,
		FailureLog: a.failureLog,
		Publisher:  a.publisher,
	}
	// A nil *Hub must not become a non-nil Emitter.
	if a.hub != nil {
		deps.Progress = a.hub
	}
	return orchestrator.New(deps, a.logger.Named("orchestrator"))
}

// RunConfig maps the crawler settings onto one orchestrator run.
func (a *App) RunConfig(runID string) orchestrator.Config {
	c := a.cfg
	root := a.Root()
	return orchestrator.Config{
		RunID:                runID,
		Root:                 root,
		Prefix:               path.Join(c.Storage.Prefix, root),
		Workers:              c.WorkerCount(),
		MaxInFlight:          c.Crawler.Concurrency,
		MaxAttempts:          c.Crawler.MaxAttempts,
		RenderTimeout:        c.Crawler.RenderTimeout,
		MinHostInterval:      c.Crawler.MinHostInterval,
		HostQPS:              c.Crawler.HostQPS,
		GroupByDomain:        c.Crawler.GroupByDomain,
		ReleaseClaimsOnRetry: c.Crawler.ReleaseClaimsOnRetry,
		RetryInitialBackoff:  c.Crawler.RetryInitialBackoff,
		RetryMaxBackoff:      c.Crawler.RetryMaxBackoff,
		AllowedSchemes:       c.Crawler.AllowedSchemes,
		BlockedDomains:       c.Crawler.BlockedDomains,
		RunTimeout:           c.Crawler.RunTimeout,
		Naming:               crawler.NamingPolicy(c.Storage.Naming),
		NameLength:           c.Storage.NameLength,
		WriteLabelConfig:     c.Storage.WriteLabelConfig,
		Topic:                c.Notify.Topic,
	}
}

// Close shuts services down in reverse order of initialization. The progress
// hub is flushed before the stores its sinks might depend on.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
