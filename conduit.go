// Package conduit is the public API for embedding the conduit routing and
// resilience engine.
//
//	app, err := conduit.New(
//	    conduit.WithVersion(version),
//	    conduit.WithLogger(logger),
//	    conduit.WithBlobBackend("gridfs"),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-hie/conduit/internal/auth"
	"github.com/meridian-hie/conduit/internal/autoretry"
	"github.com/meridian-hie/conduit/internal/blobstore"
	"github.com/meridian-hie/conduit/internal/config"
	"github.com/meridian-hie/conduit/internal/culling"
	"github.com/meridian-hie/conduit/internal/dispatch"
	"github.com/meridian-hie/conduit/internal/ratelimit"
	"github.com/meridian-hie/conduit/internal/rerun"
	"github.com/meridian-hie/conduit/internal/scheduler"
	"github.com/meridian-hie/conduit/internal/server"
	"github.com/meridian-hie/conduit/internal/storage"
	"github.com/meridian-hie/conduit/internal/telemetry"
	"github.com/meridian-hie/conduit/migrations"
)

// Scheduled job names, as listed by GET /v1/jobs.
const (
	JobAutoRetrySweep = "autoretry-sweep"
	JobBodyCull       = "body-cull"
)

// App is the conduit server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	processor    *rerun.Processor
	jobs         *scheduler.Scheduler
	closers      []func(context.Context) error
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises conduit. It connects to Postgres and the configured blob
// and retry-queue backends, runs migrations and wires every subsystem.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (_ *App, err error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.blobBackend != "" {
		cfg.BlobBackend = o.blobBackend
	}
	if o.retryBackend != "" {
		cfg.RetryQueueBackend = o.retryBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("conduit starting", "version", version, "port", cfg.Port,
		"blob_backend", cfg.BlobBackend, "retry_queue", cfg.RetryQueueBackend)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}
	// Unwind whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	a.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	inst := telemetry.NewInstruments()

	a.db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.db.RegisterPoolMetrics()

	if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := a.db.RunMigrations(ctx, extraFS); err != nil {
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	backend, err := a.openBlobBackend(ctx)
	if err != nil {
		return nil, err
	}
	blobs := blobstore.New(backend, logger)

	queue, err := a.openRetryQueue(ctx)
	if err != nil {
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.RerunTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	dispatcher := dispatch.New(blobs, logger,
		dispatch.WithDefaultTimeout(cfg.DefaultRequestTimeout),
		dispatch.WithInstruments(inst),
	)
	rerunner := rerun.NewRerunner(rerun.RerunnerConfig{
		Host:           cfg.RerunHost,
		Port:           cfg.RerunHTTPPort,
		Secured:        cfg.RerunSecured,
		DefaultTimeout: cfg.DefaultRequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TruncateAppend: cfg.TruncateAppend,
	}, a.db, blobs, dispatcher, jwtMgr, logger)
	a.processor = rerun.NewProcessor(a.db, rerunner, logger, inst, cfg.TaskPollInterval)

	retry := autoretry.NewService(queue, a.db, logger, inst)
	sweeper := autoretry.NewSweeper(a.db, queue, logger, inst)
	culler := culling.New(a.db, blobs, logger, inst, culling.WithParallelism(cfg.BlobCullParallel))

	a.jobs = scheduler.New(logger)
	if err := a.jobs.Add(JobAutoRetrySweep, cfg.AutoRetrySchedule, func(ctx context.Context) error {
		sweeper.Sweep(ctx)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := a.jobs.Add(JobBodyCull, cfg.BodyCullSchedule, func(ctx context.Context) error {
		_, err := culler.CullBodies(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	extraRoutes := make([]func(*http.ServeMux), 0, len(o.routeRegistrars))
	for _, r := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, r)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	var limiter ratelimit.Limiter
	if cfg.WriteRateLimitRPS > 0 {
		ml := ratelimit.NewMemoryLimiter(cfg.WriteRateLimitRPS, cfg.WriteRateLimitBurst)
		a.closers = append(a.closers, func(context.Context) error { return ml.Close() })
		limiter = ml
	}

	a.srv = server.New(server.ServerConfig{
		Store:               a.db,
		Logger:              logger,
		Processor:           a.processor,
		Retry:               retry,
		Jobs:                a.jobs,
		WriteLimiter:        limiter,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return a, nil
}

func (a *App) openBlobBackend(ctx context.Context) (blobstore.Backend, error) {
	switch a.cfg.BlobBackend {
	case config.BlobBackendGridFS:
		g, err := blobstore.NewGridFS(ctx, blobstore.GridFSConfig{
			URI:            a.cfg.MongoURI,
			Database:       a.cfg.MongoDatabase,
			Bucket:         a.cfg.GridFSBucket,
			ChunkSizeBytes: int32(min(a.cfg.BlobChunkSize, 16<<20)), //nolint:gosec // bounded above
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	case config.BlobBackendGCS:
		g, err := blobstore.NewGCS(ctx, blobstore.GCSConfig{Bucket: a.cfg.GCSBucket, Endpoint: a.cfg.GCSEndpoint})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return g.Close() })
		return g, nil
	default:
		return blobstore.NewPostgres(a.db.Pool(), a.cfg.BlobChunkSize), nil
	}
}

func (a *App) openRetryQueue(ctx context.Context) (autoretry.Queue, error) {
	if a.cfg.RetryQueueBackend != config.RetryQueueRedis {
		return autoretry.NewPostgresQueue(a.db), nil
	}
	redisOpts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return autoretry.NewRedisQueue(rdb), nil
}

// Handler returns the ops API handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the rerun processor, the job scheduler and the ops API, then
// blocks until ctx is cancelled or the server fails. On return Shutdown has
// already run; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	a.processor.Start(ctx)
	a.jobs.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting ops API requests, then waits up to
// ShutdownDrainTimeout for in-flight rerun rounds and running jobs before
// closing backends. Rounds still running past the deadline are abandoned
// with their task left in Processing.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("conduit shutting down")

	drainCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.processor.Stop(drainCtx); err != nil {
		a.logger.Error("rerun rounds still in flight at shutdown", "in_flight", a.processor.InFlight(), "error", err)
		errs = append(errs, err)
	}
	if err := a.jobs.Stop(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	a.close(ctx)
	a.logger.Info("conduit stopped")
	return errors.Join(errs...)
}

// close releases backends in reverse order of opening.
func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close backend", "error", err)
		}
	}
	a.closers = nil
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
