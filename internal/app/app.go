// Package app builds and holds the long-lived services of the apply
// pipeline and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/api"
	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/clock/system"
	"github.com/ljluestc/awesome-apply/internal/config"
	"github.com/ljluestc/awesome-apply/internal/events"
	eventsinks "github.com/ljluestc/awesome-apply/internal/events/sinks"
	"github.com/ljluestc/awesome-apply/internal/executor"
	"github.com/ljluestc/awesome-apply/internal/fingerprint"
	"github.com/ljluestc/awesome-apply/internal/hash/sha256"
	"github.com/ljluestc/awesome-apply/internal/id/uuid"
	"github.com/ljluestc/awesome-apply/internal/ingest"
	"github.com/ljluestc/awesome-apply/internal/logging"
	"github.com/ljluestc/awesome-apply/internal/metrics"
	"github.com/ljluestc/awesome-apply/internal/pattern"
	"github.com/ljluestc/awesome-apply/internal/profile"
	memorypublisher "github.com/ljluestc/awesome-apply/internal/publisher/memory"
	gcppublisher "github.com/ljluestc/awesome-apply/internal/publisher/pubsub"
	"github.com/ljluestc/awesome-apply/internal/queue"
	"github.com/ljluestc/awesome-apply/internal/resolver"
	"github.com/ljluestc/awesome-apply/internal/scheduler"
	gcsstorage "github.com/ljluestc/awesome-apply/internal/storage/gcs"
	localstorage "github.com/ljluestc/awesome-apply/internal/storage/local"
	memorystorage "github.com/ljluestc/awesome-apply/internal/storage/memory"
	pgstore "github.com/ljluestc/awesome-apply/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	sched     *scheduler.Scheduler
	hub       *events.Hub
	browser   *executor.Browser

	pubsubClient *pubsub.Client
	gcsClient    *storage.Client
	pgPatterns   *pgstore.PatternStore
	pgAttempts   *pgstore.AttemptStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies")

	clk := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	patternCache, attemptStore, err := a.setupStores(ctx, clk)
	if err != nil {
		return nil, err
	}
	postingStore := memorystorage.NewPostingStore(fingerprint.Merge)

	a.hub, err = a.setupEvents(publisher)
	if err != nil {
		return nil, err
	}

	engine := fingerprint.New(postingStore, hasher, clk, logger.Named("fingerprint"),
		fingerprint.WithMergeHook(func(evt fingerprint.MergeEvent) {
			a.hub.Emit(events.Event{
				Kind:        events.KindPostingMerged,
				TS:          evt.TS,
				Fingerprint: evt.Fingerprint,
				Note:        "absorbed source " + evt.AbsorbedSource,
			})
		}),
	)

	if !cfg.Browser.Enabled {
		return nil, fmt.Errorf("browser.enabled must be true: %w", executor.ErrExecutorDisabled)
	}
	documents, err := profile.NewDocuments(blobStore, "")
	if err != nil {
		return nil, fmt.Errorf("document cache init failed: %w", err)
	}
	a.browser, err = executor.NewBrowser(executor.Config{
		MaxParallel: cfg.Browser.MaxParallel,
		FormTimeout: cfg.Browser.FormTimeout(),
		SettleDelay: cfg.Browser.SettleDelay(),
		UserAgent:   cfg.Browser.UserAgent,
	}, documents, clk, logger.Named("executor"))
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}

	var fetcher resolver.PageFetcher = a.browser
	if cfg.Resolver.StaticFetch {
		// Server-rendered sites skip the browser for plain inference.
		fetcher = ingest.NewPageFetcher(ingest.FetcherConfig{
			UserAgent: cfg.Ingest.UserAgent,
			Timeout:   cfg.Ingest.FetchTimeout(),
		})
	}
	res := resolver.New(patternCache, fetcher, idGen, clk, logger.Named("resolver"),
		resolver.WithMinTrustedUsage(cfg.Resolver.MinTrustedUsage))

	var boards api.BoardFetcher
	if cfg.Ingest.BoardFetchEnabled {
		boards = ingest.NewBoardFetcher(ingest.NewPageFetcher(ingest.FetcherConfig{
			UserAgent: cfg.Ingest.UserAgent,
			Timeout:   cfg.Ingest.FetchTimeout(),
		}), clk)
	}

	profileProvider, err := profile.NewStatic(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("profile init failed: %w", err)
	}

	ticketQueue := queue.New(cfg.Scheduler.QueueDepth, func(domain string) float64 {
		return patternCache.TopConfidence(context.Background(), domain)
	})

	a.sched = scheduler.New(
		scheduler.Config{
			Workers:           cfg.Scheduler.Workers,
			MaxRetries:        cfg.Scheduler.MaxRetries,
			BackoffBase:       cfg.Scheduler.BackoffBase(),
			BackoffCap:        cfg.Scheduler.BackoffCap(),
			MinDomainInterval: cfg.Scheduler.DomainInterval(),
		},
		ticketQueue,
		res,
		a.browser,
		patternCache,
		attemptStore,
		profileProvider,
		postingStore,
		a.hub,
		idGen,
		clk,
		logger.Named("scheduler"),
	)

	intake := ingest.NewService(engine, a.sched, logger.Named("ingest"))
	a.apiServer = api.NewServer(intake, boards, a.sched, patternCache, postingStore, attemptStore, *cfg, logger.Named("api"))

	return a, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("scheduler started", zap.Int("workers", a.cfg.Scheduler.Workers))
		if err := a.sched.Run(ctx); err != nil {
			a.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.browser != nil {
		if err := a.browser.Close(ctx); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPatterns != nil {
		a.pgPatterns.Close()
	}
	if a.pgAttempts != nil {
		a.pgAttempts.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupStorage(ctx context.Context) (apply.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("dir", a.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (apply.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(client), nil
}

func (a *App) setupStores(ctx context.Context, clk apply.Clock) (*pattern.Store, apply.AttemptStore, error) {
	var opts []pattern.Option
	var attemptStore apply.AttemptStore

	if a.cfg.DB.DSN != "" {
		pgPatterns, err := pgstore.NewPatternStore(ctx, pgstore.PatternStoreConfig{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxOpenConns),
			MinConns: int32(a.cfg.DB.MaxIdleConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("pattern store init failed: %w", err)
		}
		a.pgPatterns = pgPatterns
		opts = append(opts, pattern.WithPersister(pgPatterns))

		pgAttempts, err := pgstore.NewAttemptStore(ctx, pgstore.AttemptStoreConfig{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxOpenConns),
			MinConns: int32(a.cfg.DB.MaxIdleConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("attempt store init failed: %w", err)
		}
		a.pgAttempts = pgAttempts
		attemptStore = pgAttempts
	} else {
		a.logger.Warn("no DSN specified, keeping patterns and attempts in memory")
		attemptStore = memorystorage.NewAttemptStore()
	}

	cache := pattern.NewStore(clk, a.logger.Named("pattern"), opts...)
	if a.pgPatterns != nil {
		records, err := a.pgPatterns.LoadAll(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("pattern warm load failed: %w", err)
		}
		cache.Load(records)
		a.logger.Info("pattern cache warmed", zap.Int("records", len(records)))
	}
	return cache, attemptStore, nil
}

func (a *App) setupEvents(publisher apply.Publisher) (*events.Hub, error) {
	sinkList := []events.Sink{
		eventsinks.NewLogSink(a.logger.Named("events")),
	}
	promSink, err := eventsinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.PubSub.TopicName != "" {
		pubSink, err := eventsinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName, a.logger.Named("events_pub"))
		if err != nil {
			return nil, fmt.Errorf("publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}
	return events.NewHub(events.Config{
		BufferSize:     a.cfg.Scheduler.EventBufferSize,
		MaxBatchEvents: a.cfg.Scheduler.EventBatchMaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Scheduler.EventBatchWaitMillis) * time.Millisecond,
		Logger:         a.logger.Named("events_hub"),
	}, sinkList...), nil
}
