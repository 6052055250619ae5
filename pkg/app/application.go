package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/axiomengine/axiom-workers/internal/callback"
	"github.com/axiomengine/axiom-workers/internal/cloud"
	"github.com/axiomengine/axiom-workers/internal/dispatch"
	"github.com/axiomengine/axiom-workers/internal/engine"
	"github.com/axiomengine/axiom-workers/internal/executor"
	"github.com/axiomengine/axiom-workers/internal/gpu"
	"github.com/axiomengine/axiom-workers/internal/lifecycle"
	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/internal/middleware"
	"github.com/axiomengine/axiom-workers/internal/providers"
	"github.com/axiomengine/axiom-workers/internal/queue"
	"github.com/axiomengine/axiom-workers/internal/ratelimit"
	"github.com/axiomengine/axiom-workers/internal/tracing"
	"github.com/axiomengine/axiom-workers/internal/worker"
	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/config"
	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/gin-gonic/gin"
)

type Application struct {
	Config       *config.Config
	Engine       *gin.Engine
	Queue        queue.Queue
	Registry     *executor.Registry
	Dispatcher   *dispatch.Dispatcher
	Runner       *lifecycle.Runner
	Pool         *worker.Pool
	Janitor      queue.Janitor
	Gate         gpu.Gate
	Cloud        *cloud.Handler
	Emitter      callback.Emitter
	EngineClient *engine.Client
	Logger       *slog.Logger
	RateLimiter  ratelimit.Limiter

	// TracingShutdown flushes the trace exporter; a no-op when tracing is
	// disabled.
	TracingShutdown func(context.Context) error
}

// ApplicationOption configures the Application before the dependent
// components (runner, pool, dispatcher) are wired.
type ApplicationOption func(*Application) error

// WithGate replaces the accelerator probe, mainly for tests.
func WithGate(g gpu.Gate) ApplicationOption {
	return func(app *Application) error {
		app.Gate = g
		return nil
	}
}

// WithEmitter replaces the callback emitter.
func WithEmitter(e callback.Emitter) ApplicationOption {
	return func(app *Application) error {
		app.Emitter = e
		return nil
	}
}

// WithCloudHandler replaces the cloud fallback handler. Passing nil disables
// fallback regardless of configuration.
func WithCloudHandler(h *cloud.Handler) ApplicationOption {
	return func(app *Application) error {
		app.Cloud = h
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	redisClient := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	limiter := ratelimit.NewTokenBucketLimiter(redisClient)

	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "axiom-workers", "env", cfg.Env)
	slog.SetDefault(logger)

	metrics.RegisterQueueCollector(redisClient, logger)

	tracingShutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "axiom-workers",
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}

	q := queue.NewRedisQueue(redisClient, cfg.BackoffPolicy,
		time.Duration(cfg.BackoffBaseSeconds)*time.Second,
		time.Duration(cfg.BackoffMaxSeconds)*time.Second)

	engineClient := engine.NewClient(cfg.EngineURL, logger)
	builder := workflow.NewBuilder(cfg.WorkflowTemplatesDir, nil)
	store := executor.NewLocalStorage(cfg.LocalArtifactsDir)

	registry := executor.NewRegistry()
	imageEx := executor.NewImageExecutor(engineClient, builder, store,
		time.Duration(cfg.ImageTimeoutSeconds)*time.Second)
	registry.Register(domain.JobTypeImage, domain.VariantTextToImage, imageEx)
	registry.Register(domain.JobTypeImage, domain.VariantImageToImage, imageEx)
	videoEx := executor.NewVideoExecutor(engineClient, builder, store,
		time.Duration(cfg.VideoTimeoutSeconds)*time.Second)
	registry.Register(domain.JobTypeVideo, domain.VariantTextToVideo, videoEx)
	registry.Register(domain.JobTypeVideo, domain.VariantImageToVideo, videoEx)
	meshEx := executor.NewMeshExecutor(engineClient, builder, store,
		time.Duration(cfg.MeshTimeoutSeconds)*time.Second)
	registry.Register(domain.JobTypeMesh, domain.VariantTextToMesh, meshEx)
	registry.Register(domain.JobTypeMesh, domain.VariantImageToMesh, meshEx)

	app := &Application{
		Config:       cfg,
		Queue:        q,
		Registry:     registry,
		EngineClient: engineClient,
		Logger:       logger,
		RateLimiter:  limiter,

		TracingShutdown: tracingShutdown,
	}

	// Apply options before the dependent components are built so overrides
	// propagate into the runner and pool.
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Gate == nil {
		app.Gate = gpu.New(cfg.GPUProbe, logger)
	}
	if app.Emitter == nil {
		app.Emitter = callback.NewEmitter(cfg.CallbackBaseURL, cfg.WorkerKey,
			cfg.CallbackWorkers, cfg.CallbackQueueSize, cfg.CallbackMaxAttempts,
			time.Duration(cfg.CallbackRetryDelaySeconds)*time.Second, logger)
	}
	if app.Cloud == nil && cfg.CloudProvider != "" && cfg.CloudProvider != "none" {
		provider, err := cloud.NewProvider(cfg.CloudProvider, cfg.CloudAPIKey, cfg.CloudBaseURL)
		if err != nil {
			return nil, err
		}
		app.Cloud = cloud.NewHandler(provider, logger)
	}

	app.Dispatcher = dispatch.NewDispatcher(dispatch.Config{
		CallbackURL: cfg.CallbackBaseURL,
		MaxAttempts: cfg.MaxAttemptsDefault,
	}, q, registry, logger)

	app.Runner = lifecycle.NewRunner(lifecycle.Config{
		WorkerID:      cfg.WorkerID,
		Mode:          cfg.ExecutionMode,
		MinVRAMGB:     cfg.MinVRAMGB,
		MaxAttempts:   cfg.MaxAttemptsDefault,
		BackoffPolicy: cfg.BackoffPolicy,
		BackoffBase:   time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		BackoffMax:    time.Duration(cfg.BackoffMaxSeconds) * time.Second,
	}, q, registry, app.Gate, app.Cloud, app.Emitter, engineClient, logger)

	app.Pool = worker.NewPool(worker.Config{
		WorkerID:          cfg.WorkerID,
		Workers:           cfg.Workers,
		Types:             jobTypes(cfg.WorkerTypes),
		LeaseSeconds:      cfg.DefaultLeaseSeconds,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		PollInterval:      cfg.PollIntervalSeconds,
		InspectLimit:      cfg.RequeueInspectLimit,
		MaxAttempts:       cfg.MaxAttemptsDefault,
	}, q, app.Runner, logger)

	app.Janitor = queue.NewJanitor(q, logger, cfg.CleanupIntervalSeconds, cfg.CleanupBatchLimit)

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger))
	if cfg.TracingEnabled {
		ginEngine.Use(middleware.TracingMiddleware("axiom-workers"))
	}
	app.Engine = ginEngine

	return app, nil
}

func jobTypes(names []string) []domain.JobType {
	out := make([]domain.JobType, 0, len(names))
	for _, n := range names {
		out = append(out, domain.JobType(n))
	}
	return out
}
