// Package server wires every component into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listings-crawler/internal/alerting"
	"github.com/JakeFAU/listings-crawler/internal/api"
	"github.com/JakeFAU/listings-crawler/internal/broadcast"
	"github.com/JakeFAU/listings-crawler/internal/clock/system"
	"github.com/JakeFAU/listings-crawler/internal/config"
	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/executor"
	"github.com/JakeFAU/listings-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/listings-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listings-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/listings-crawler/internal/id/uuid"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listings-crawler/internal/publisher/fanout"
	gcppublisher "github.com/JakeFAU/listings-crawler/internal/publisher/pubsub"
	pubsubintake "github.com/JakeFAU/listings-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/listings-crawler/internal/retry"
	"github.com/JakeFAU/listings-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/listings-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listings-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listings-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listings-crawler/internal/storage/postgres"
	"github.com/JakeFAU/listings-crawler/internal/telemetry"
	"github.com/JakeFAU/listings-crawler/internal/worker"
)

// Version is stamped into trace resources.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *identity.Pool
	scheduler *scheduler.Scheduler
	alerts    *alerting.Engine
	hub       *broadcast.Hub
	apiServer *api.Server
	intake    *pubsubintake.Intake

	pubsubClient *pubsub.Client

	// closers run in reverse registration order on Close.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// stores groups the persistence collaborators.
type stores struct {
	jobs        crawler.JobStore
	deadLetters crawler.DeadLetterStore
	records     crawler.RecordStore
	alerts      crawler.AlertStore
	blobs       crawler.BlobStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("targets", len(cfg.Targets)),
		zap.Int("identities", len(cfg.Identity.Identities)),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	st, err := app.setupStores(ctx)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	clock := system.New()

	app.hub = broadcast.NewHub(broadcast.Config{
		QueueSize:      cfg.Broadcast.QueueSize,
		PingInterval:   cfg.Broadcast.PingInterval,
		PongTimeout:    cfg.Broadcast.PongTimeout,
		MaxMissedPings: cfg.Broadcast.MaxMissedPings,
		WriteTimeout:   cfg.Broadcast.WriteTimeout,
		Logger:         logger.Named("broadcast"),
		IDs:            uuid.NewPrefixed("conn"),
	})
	app.addCloser("broadcast hub", app.hub.Close)

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	app.pool, err = identity.New(identity.Config{
		DegradeThreshold:  cfg.Identity.DegradeThreshold,
		BanThreshold:      cfg.Identity.BanThreshold,
		Cooldown:          cfg.Identity.Cooldown,
		MaxCooldown:       cfg.Identity.MaxCooldown,
		MaxConcurrentUses: cfg.Identity.MaxConcurrentUses,
	}, clock, logger.Named("identity"), cfg.CrawlerIdentities())
	if err != nil {
		app.closeAll(ctx)
		return nil, fmt.Errorf("identity pool init failed: %w", err)
	}

	app.alerts, err = app.setupAlerting(st, publisher, clock)
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}

	exec, err := app.setupExecutor()
	if err != nil {
		app.closeAll(ctx)
		return nil, err
	}
	extractor := extract.New(cfg.Extraction.Defaults, cfg.Extraction.Classes, clock)
	processor, err := worker.New(exec, st.blobs, extractor, st.records, publisher, clock, worker.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
	}, logger.Named("worker"))
	if err != nil {
		app.closeAll(ctx)
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	politeness := ratelimit.New(ratelimit.Config{
		Delay:        cfg.Politeness.Delay,
		JitterFactor: cfg.Politeness.JitterFactor,
		DomainDelays: cfg.DomainDelays(),
	})
	app.scheduler, err = scheduler.New(scheduler.Config{
		GlobalConcurrency:    cfg.Scheduler.GlobalConcurrency,
		PerDomainConcurrency: cfg.Scheduler.PerDomainConcurrency,
		DomainConcurrency:    cfg.DomainConcurrency(),
		DrainGrace:           cfg.Scheduler.DrainGrace,
		IdentityRecheck:      cfg.Scheduler.IdentityRecheck,
	}, scheduler.Deps{
		Pool:      app.pool,
		Processor: processor,
		Controller: retry.New(retry.Config{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
		}),
		Jobs:        st.jobs,
		DeadLetters: st.deadLetters,
		Politeness:  politeness,
		Alerter:     app.alerts,
		IDs:         uuid.NewPrefixed("job"),
		Clock:       clock,
	}, cfg.CrawlerTargets(), logger.Named("scheduler"))
	if err != nil {
		app.closeAll(ctx)
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	if cfg.PubSub.IntakeSubscription != "" {
		app.intake, err = pubsubintake.NewIntake(app.pubsubClient, cfg.PubSub.IntakeSubscription, app.scheduler, logger.Named("intake"))
		if err != nil {
			app.closeAll(ctx)
			return nil, fmt.Errorf("pubsub intake init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Scheduler:   app.scheduler,
		Jobs:        st.jobs,
		DeadLetters: st.deadLetters,
		Alerts:      st.alerts,
		Identities:  app.pool,
		Hub:         app.hub,
		Clock:       clock,
	}, api.Config{}, logger)
	return app, nil
}

func (a *App) setupTracing(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracer provider", func(ctx context.Context) error {
		return shutdownTracer(ctx, tp)
	})
	return nil
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	st := stores{
		jobs:   memorystorage.NewJobStore(),
		alerts: memorystorage.NewAlertStore(a.cfg.Alerting.MaxAlerts),
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return stores{}, err
	}
	st.blobs = blobs

	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, keeping dead letters and listings in memory")
		st.deadLetters = memorystorage.NewDeadLetterStore()
		st.records = memorystorage.NewRecordStore()
		return st, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres connect failed: %w", err)
	}
	a.addCloser("postgres pool", func(context.Context) error {
		pool.Close()
		return nil
	})
	dlq, err := pgstore.NewDeadLetterStore(pool, a.cfg.DB.DeadLetterTable)
	if err != nil {
		return stores{}, fmt.Errorf("dead letter store init failed: %w", err)
	}
	records, err := pgstore.NewRecordStore(pool, a.cfg.DB.ListingsTable)
	if err != nil {
		return stores{}, fmt.Errorf("record store init failed: %w", err)
	}
	if a.cfg.DB.AutoMigrate {
		if err := ensureSchemas(ctx, dlq, records); err != nil {
			return stores{}, err
		}
	}
	st.deadLetters = dlq
	st.records = records
	a.logger.Info("postgres stores initialized",
		zap.String("dead_letter_table", a.cfg.DB.DeadLetterTable),
		zap.String("listings_table", a.cfg.DB.ListingsTable),
		zap.Bool("auto_migrate", a.cfg.DB.AutoMigrate),
	)
	return st, nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func ensureSchemas(ctx context.Context, stores ...schemaEnsurer) error {
	for _, s := range stores {
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres migration failed: %w", err)
		}
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs client", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupPublisher always delivers to the broadcast hub and, when a project is
// configured, forwards to Pub/Sub as well.
func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, publishing to the broadcast hub only")
		return fanout.New(a.logger.Named("publisher"), a.hub), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.addCloser("pubsub client", func(context.Context) error { return client.Close() })
	a.pubsubClient = client
	forwarder := gcppublisher.New(client, gcppublisher.Config{
		DefaultTopic: a.cfg.PubSub.DefaultTopic,
		Topics:       a.cfg.PubSub.Topics,
	})
	a.addCloser("pubsub publishers", func(context.Context) error {
		forwarder.Stop()
		return nil
	})
	a.logger.Info("Pub/Sub forwarding enabled",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("default_topic", a.cfg.PubSub.DefaultTopic),
	)
	return fanout.New(a.logger.Named("publisher"), a.hub, forwarder), nil
}

func (a *App) setupAlerting(st stores, publisher crawler.Publisher, clock crawler.Clock) (*alerting.Engine, error) {
	notifiers := []alerting.Notifier{
		alerting.NewLogNotifier(a.logger.Named("alerts")),
		alerting.NewPublisherNotifier(publisher),
	}
	if a.cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(a.cfg.Alerting.WebhookURL))
		a.logger.Info("alert webhook enabled")
	}
	engine, err := alerting.New(alerting.Config{
		Tick:                  a.cfg.Alerting.Tick,
		HealthyWarnFraction:   a.cfg.Alerting.HealthyWarnFraction,
		DLQWindow:             a.cfg.Alerting.DLQWindow,
		DLQWarnThreshold:      a.cfg.Alerting.DLQWarnThreshold,
		DLQCriticalMultiplier: a.cfg.Alerting.DLQCriticalMultiplier,
		Cooldown:              a.cfg.Alerting.Cooldown,
	}, a.pool, st.deadLetters, st.alerts, uuid.NewPrefixed("alert"), clock, a.logger.Named("alerting"), notifiers...)
	if err != nil {
		return nil, fmt.Errorf("alerting engine init failed: %w", err)
	}
	return engine, nil
}

func (a *App) setupExecutor() (*executor.Executor, error) {
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.Fetch.Timeout,
	})
	a.addCloser("http transports", func(context.Context) error {
		httpFetcher.CloseIdleConnections()
		return nil
	})

	var headless crawler.Fetcher
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.addCloser("headless allocators", func(context.Context) error {
			hf.Close()
			return nil
		})
		headless = hf
		a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	detectors := executor.NewRegistry(
		executor.NewHeuristicDetector(executor.DefaultMarkers, executor.DefaultChallengeSelectors, nil),
	)
	for _, d := range a.cfg.Domains {
		if !d.HasDetector() {
			continue
		}
		detectors.Register(d.Host, executor.NewHeuristicDetector(d.BlockMarkers, d.ChallengeSelectors, d.RequiredSelectors))
		a.logger.Debug("site block detector registered", zap.String("host", d.Host))
	}

	exec, err := executor.New(executor.Config{
		Timeout:      a.cfg.Fetch.Timeout,
		MinBodyBytes: a.cfg.Fetch.MinBodyBytes,
	}, httpFetcher, headless, detectors, a.logger.Named("executor"))
	if err != nil {
		return nil, fmt.Errorf("executor init failed: %w", err)
	}
	return exec, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run starts the scheduler, the alerting engine and the HTTP server, and
// blocks until a signal arrives or one of them fails. Shutdown drains the
// scheduler before releasing infrastructure.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.alerts.Run(gctx)
	})
	if a.intake != nil {
		g.Go(func() error {
			return a.intake.Run(gctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.closeAll(closeCtx)
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler returns the job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}
