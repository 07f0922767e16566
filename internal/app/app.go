// Package app builds the rankgrid service from configuration and owns the
// lifetime of every long-lived dependency.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/rankgrid/internal/api"
	"github.com/JakeFAU/rankgrid/internal/browser"
	"github.com/JakeFAU/rankgrid/internal/config"
	"github.com/JakeFAU/rankgrid/internal/dispatcher"
	"github.com/JakeFAU/rankgrid/internal/intake"
	"github.com/JakeFAU/rankgrid/internal/policy/ratelimit"
	"github.com/JakeFAU/rankgrid/internal/progress"
	"github.com/JakeFAU/rankgrid/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/rankgrid/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/rankgrid/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/rankgrid/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/rankgrid/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/rankgrid/internal/queue/pubsub"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/ranker"
	"github.com/JakeFAU/rankgrid/internal/session"
	gcsstorage "github.com/JakeFAU/rankgrid/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rankgrid/internal/storage/local"
	memorystorage "github.com/JakeFAU/rankgrid/internal/storage/memory"
	pgstore "github.com/JakeFAU/rankgrid/internal/storage/postgres"
	redisstore "github.com/JakeFAU/rankgrid/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/rankgrid/internal/storage/sqlite"
	"github.com/JakeFAU/rankgrid/internal/store"
	"github.com/JakeFAU/rankgrid/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Option overrides a dependency Build would otherwise create from config.
type Option func(*options)

type options struct {
	factory  session.Factory
	executor rank.Executor
}

// WithSessionFactory replaces the chromedp session factory.
func WithSessionFactory(f session.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithExecutor replaces the ranker as the per-item executor.
func WithExecutor(e rank.Executor) Option {
	return func(o *options) { o.executor = e }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool      *session.Pool
	dispatch  *dispatcher.Dispatcher
	hub       *progress.Hub
	apiServer *api.Server
	consumer  *intake.Consumer
	queue     *queuememory.Queue

	results  store.ResultRepository
	batches  store.BatchRepository
	resolver rank.TargetResolver
	blobs    rank.BlobStore

	pgPool          *pgxpool.Pool
	sqlite          *sqlitestore.ResultStore
	redis           *redisstore.BatchStore
	storage         *storage.Client
	pubsubClients   []*pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	kafkaPublisher  *kafkapublisher.Publisher
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
}

// Build creates the application's dependencies. On error everything built so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("pool_capacity", cfg.Pool.Capacity),
		zap.String("results", cfg.Storage.Results),
		zap.String("batches", cfg.Storage.Batches),
		zap.String("blob", cfg.Storage.Blob),
		zap.String("publisher", cfg.Publisher.Kind),
		zap.String("intake", cfg.Intake.Kind),
	)

	steps := []func(context.Context, *options) error{
		app.setupTracing,
		app.setupDatabase,
		app.setupStores,
		app.setupBlobStore,
		app.setupResolver,
		app.setupPool,
		app.setupDispatcher,
		app.setupIntake,
	}
	for _, step := range steps {
		if err := step(ctx, &o); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			app.Close(closeCtx)
			return nil, err
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Dispatcher: app.dispatch,
		Pool:       app.pool,
		Enqueuer:   app.enqueuer(),
		Results:    app.results,
		Batches:    app.batches,
		Logger:     logger.Named("api"),
	}, cfg)
	return app, nil
}

// Dispatcher exposes the batch dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves HTTP and drains the intake queue until ctx is cancelled or the
// process is signalled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan error, 1)
	if a.consumer != nil {
		go func() {
			a.logger.Info("intake consumer started", zap.String("kind", a.cfg.Intake.Kind))
			consumerDone <- a.consumer.Run(ctx)
		}()
	} else {
		close(consumerDone)
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if err := <-consumerDone; err != nil {
		a.logger.Error("intake consumer stopped", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return nil
}

// RunBatch runs one intake request to completion. It is the intake runner.
// Requests whose batch was cancelled while queued are skipped.
func (a *App) RunBatch(ctx context.Context, req intake.Request) (rank.Summary, error) {
	if stored, ok := a.cancelledWhileQueued(ctx, req.BatchID); ok {
		return stored, fmt.Errorf("batch %s: %w", req.BatchID, intake.ErrCancelled)
	}
	summary, err := a.dispatch.Run(ctx, dispatcher.Request{
		ID:             req.BatchID,
		Items:          req.IDs,
		PerItemTimeout: req.PerItemTimeout(),
		BatchDeadline:  req.BatchDeadline(),
	})
	switch {
	case err == nil:
		return summary, nil
	case errors.Is(err, dispatcher.ErrDuplicateItem),
		errors.Is(err, dispatcher.ErrInvalidBatchID),
		errors.Is(err, dispatcher.ErrDuplicateBatch):
		return summary, fmt.Errorf("%w: %w", intake.ErrInvalidRequest, err)
	default:
		return summary, err
	}
}

func (a *App) cancelledWhileQueued(ctx context.Context, batchID string) (rank.Summary, bool) {
	if a.batches == nil || batchID == "" {
		return rank.Summary{}, false
	}
	uid, err := uuid.Parse(batchID)
	if err != nil {
		return rank.Summary{}, false
	}
	stored, err := a.batches.GetBatch(ctx, uid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("lookup queued batch failed", zap.String("batch_id", batchID), zap.Error(err))
		}
		return rank.Summary{}, false
	}
	return stored, stored.CancelledWhileQueued()
}

// Close shuts everything down: batches first so their last results reach the
// sinks, then the hub, the pool and finally the clients. Only the first call
// does anything.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *App) close(ctx context.Context) {
	if a.dispatch != nil {
		if err := a.dispatch.Close(ctx); err != nil {
			a.logger.Warn("dispatcher close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			a.logger.Warn("session pool close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.kafkaPublisher != nil {
		if err := a.kafkaPublisher.Close(); err != nil {
			a.logger.Warn("kafka publisher close failed", zap.Error(err))
		}
	}
	for _, c := range a.pubsubClients {
		if err := c.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}

func (a *App) setupTracing(ctx context.Context, _ *options) error {
	if !a.cfg.Telemetry.TracingEnabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName, os.Stderr)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	return nil
}

func (a *App) setupDatabase(ctx context.Context, _ *options) error {
	pg := a.cfg.Storage.Postgres
	if a.cfg.Storage.Results != "postgres" && a.cfg.Targets.Source != "postgres" {
		return nil
	}
	var err error
	a.pgPool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      pg.DSN,
		MaxConns: pg.MaxConns,
		MinConns: pg.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.logger.Info("postgres pool initialized")
	return nil
}

func (a *App) setupStores(ctx context.Context, _ *options) error {
	switch a.cfg.Storage.Results {
	case "postgres":
		rs, err := pgstore.NewResultStore(a.pgPool, a.cfg.Storage.Postgres.ResultsTable)
		if err != nil {
			return fmt.Errorf("result store init failed: %w", err)
		}
		if err := rs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("result store schema failed: %w", err)
		}
		a.results = rs
	case "sqlite":
		rs, err := sqlitestore.NewResultStore(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite result store init failed: %w", err)
		}
		a.sqlite, a.results = rs, rs
	default:
		a.results = memorystorage.NewResultStore()
	}

	switch a.cfg.Storage.Batches {
	case "redis":
		r := a.cfg.Storage.Redis
		bs, err := redisstore.NewBatchStore(redisstore.Config{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			TTL:      r.TTL(),
		})
		if err != nil {
			return fmt.Errorf("redis batch store init failed: %w", err)
		}
		a.redis, a.batches = bs, bs
	default:
		a.batches = memorystorage.NewBatchStore()
	}
	a.logger.Info("stores initialized",
		zap.String("results", a.cfg.Storage.Results),
		zap.String("batches", a.cfg.Storage.Batches),
	)
	return nil
}

func (a *App) setupBlobStore(ctx context.Context, _ *options) error {
	switch a.cfg.Storage.Blob {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupResolver(_ context.Context, _ *options) error {
	switch a.cfg.Targets.Source {
	case "static":
		a.resolver = ranker.NewStaticResolver(a.cfg.Targets.Static)
	case "postgres":
		r, err := pgstore.NewTargetResolver(a.pgPool, a.cfg.Storage.Postgres.TargetsTable)
		if err != nil {
			return fmt.Errorf("target resolver init failed: %w", err)
		}
		a.resolver = r
	default:
		a.resolver = ranker.URLResolver{}
	}
	return nil
}

func (a *App) setupPool(ctx context.Context, o *options) error {
	factory := o.factory
	if factory == nil {
		b := a.cfg.Browser
		factory = browser.NewFactory(browser.Config{
			RemoteURL:         b.RemoteURL,
			ExecPath:          b.ExecPath,
			Headless:          b.Headless,
			UserAgent:         b.UserAgent,
			NavigationTimeout: b.NavTimeout(),
			StartTimeout:      b.StartTimeout(),
			SettleDelay:       b.SettleDelay(),
		}, a.logger.Named("browser"))
	}
	p := a.cfg.Pool
	var err error
	a.pool, err = session.New(ctx, factory, session.Config{
		Capacity:        p.Capacity,
		CreateAttempts:  p.CreateAttempts,
		CreateBackoff:   p.CreateBackoff(),
		MaxBackoff:      p.MaxBackoff(),
		OverloadBackoff: p.OverloadBackoff(),
		RecreateQPS:     p.RecreateQPS,
	}, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("session pool init failed: %w", err)
	}
	a.logger.Info("session pool ready", zap.Int("capacity", p.Capacity))
	return nil
}

func (a *App) setupDispatcher(ctx context.Context, o *options) error {
	executor := o.executor
	if executor == nil {
		r := a.cfg.Ranker
		rcfg := ranker.Config{
			MaxPageRetries:   r.MaxPageRetries,
			MinContentLength: r.MinContentLength,
			RetryBackoff:     r.RetryBackoff(),
			SnapshotPrefix:   r.SnapshotPrefix,
			Scorer:           ranker.NewWeightedScorer(scoreConfig(r.Score)),
		}
		if r.SiteRPS > 0 {
			rcfg.Pacer = ratelimit.New(ratelimit.Config{RPS: r.SiteRPS, Burst: r.SiteBurst})
		}
		executor = ranker.New(a.resolver, a.blobs, rcfg, a.logger.Named("ranker"))
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}
	d := a.cfg.Dispatcher
	a.dispatch = dispatcher.New(a.pool, executor, emitter, dispatcher.Config{
		PerItemTimeout: d.PerItemTimeout(),
		AcquireTimeout: d.AcquireTimeout(),
		BatchDeadline:  d.BatchDeadline(),
		Retention:      d.Retention(),
	}, a.logger.Named("dispatcher"))
	return nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	sinkList := []progress.Sink{
		sinks.NewStoreSink(a.results, a.batches, a.logger.Named("progress_store")),
	}
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		a.logger.Warn("prometheus sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("progress_log")))
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		sinkList = append(sinkList, sinks.NewPublishSink(publisher, a.logger.Named("progress_publish")))
	}

	p := a.cfg.Progress
	hubCfg := progress.Config{
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.MaxBatchEvents,
		MaxBatchWait:   p.MaxBatchWait(),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

func (a *App) setupPublisher(ctx context.Context) (rank.Publisher, error) {
	switch a.cfg.Publisher.Kind {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		ps := a.cfg.Publisher.PubSub
		client, err := a.pubsubClient(ctx, ps.ProjectID, ps.Endpoint)
		if err != nil {
			return nil, err
		}
		a.pubsubPublisher = gcppublisher.New(client.Topic(ps.TopicID))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", ps.ProjectID),
			zap.String("topic", ps.TopicID),
		)
		return a.pubsubPublisher, nil
	case "kafka":
		k := a.cfg.Publisher.Kafka
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchTimeout: k.BatchTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.kafkaPublisher = pub
		a.logger.Info("kafka publisher initialized", zap.Strings("brokers", k.Brokers), zap.String("topic", k.Topic))
		return pub, nil
	default:
		return nil, nil
	}
}

func (a *App) setupIntake(ctx context.Context, _ *options) error {
	var source intake.Source
	switch a.cfg.Intake.Kind {
	case "pubsub":
		ps := a.cfg.Intake.PubSub
		client, err := a.pubsubClient(ctx, ps.ProjectID, ps.Endpoint)
		if err != nil {
			return err
		}
		src, err := queuepubsub.NewSource(client.Subscription(ps.SubscriptionID), ps.MaxOutstanding, a.logger.Named("intake"))
		if err != nil {
			return fmt.Errorf("pubsub intake init failed: %w", err)
		}
		source = src
		a.logger.Info("Pub/Sub intake initialized", zap.String("subscription", ps.SubscriptionID))
	default:
		a.queue = queuememory.NewQueue(a.cfg.Intake.QueueSize)
		source = a.queue
	}
	consumer, err := intake.NewConsumer(source, intake.RunnerFunc(a.RunBatch), intake.Config{
		MaxConcurrentBatches: a.cfg.Intake.MaxConcurrentBatches,
		MaxAttempts:          a.cfg.Intake.MaxAttempts,
	}, a.logger.Named("intake"))
	if err != nil {
		return fmt.Errorf("intake consumer init failed: %w", err)
	}
	a.consumer = consumer
	return nil
}

func scoreConfig(c config.ScoreConfig) ranker.ScoreConfig {
	out := ranker.ScoreConfig{
		PriceWeight:    c.PriceWeight,
		VolumeWeight:   c.VolumeWeight,
		SiteSizeWeight: c.SiteSizeWeight,
	}
	for _, t := range c.Thresholds {
		out.Thresholds = append(out.Thresholds, ranker.Threshold{Label: t.Label, Value: t.Value})
	}
	return out
}

// enqueuer picks where the API sends wait=false submissions. Pub/Sub intake
// without a topic leaves the API running batches in-process.
func (a *App) enqueuer() api.Enqueuer {
	if a.queue != nil {
		return a.queue
	}
	ps := a.cfg.Intake.PubSub
	if ps.TopicID == "" || len(a.pubsubClients) == 0 {
		return nil
	}
	for _, c := range a.pubsubClients {
		if c.Project() == ps.ProjectID {
			return queuepubsub.NewEnqueuer(c.Topic(ps.TopicID))
		}
	}
	return nil
}

func (a *App) pubsubClient(ctx context.Context, projectID, endpoint string) (*pubsub.Client, error) {
	for _, c := range a.pubsubClients {
		if c.Project() == projectID {
			return c, nil
		}
	}
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClients = append(a.pubsubClients, client)
	return client, nil
}
