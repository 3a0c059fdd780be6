package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/osvaldoandrade/podflow/internal/backoff"
	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/metrics"
	"github.com/osvaldoandrade/podflow/internal/middleware"
	"github.com/osvaldoandrade/podflow/internal/pipeline"
	"github.com/osvaldoandrade/podflow/internal/poller"
	"github.com/osvaldoandrade/podflow/internal/prompt"
	"github.com/osvaldoandrade/podflow/internal/providers"
	"github.com/osvaldoandrade/podflow/internal/ratelimit"
	"github.com/osvaldoandrade/podflow/internal/router"
	"github.com/osvaldoandrade/podflow/internal/services"
	"github.com/osvaldoandrade/podflow/internal/tracing"
	"github.com/osvaldoandrade/podflow/pkg/auth"
	"github.com/osvaldoandrade/podflow/pkg/config"
	"github.com/osvaldoandrade/podflow/pkg/domain"
	"github.com/osvaldoandrade/podflow/pkg/persistence"
	_ "github.com/osvaldoandrade/podflow/pkg/persistence/memory" // Register in-memory record store
	_ "github.com/osvaldoandrade/podflow/pkg/persistence/redis"  // Register redis record store

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Logger          *slog.Logger
	Redis           *redis.Client
	RateLimiter     ratelimit.Limiter
	Validator       auth.Validator
	Router          router.Router
	Store           persistence.RecordStore
	Pipelines       services.PipelineService
	Generations     services.GenerationService
	Callback        services.ResultCallbackService
	Retention       services.RetentionService
	TracingShutdown func(context.Context) error

	genClient poller.GenerationClient
	clock     clock.Clock
	stop      context.CancelFunc
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom bearer validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithRedis reuses an existing client instead of dialing cfg.RedisAddr.
func WithRedis(rdb *redis.Client) ApplicationOption {
	return func(app *Application) error {
		app.Redis = rdb
		return nil
	}
}

// WithGenerationClient replaces the RunPod client.
func WithGenerationClient(c poller.GenerationClient) ApplicationOption {
	return func(app *Application) error {
		app.genClient = c
		return nil
	}
}

func WithClock(c clock.Clock) ApplicationOption {
	return func(app *Application) error {
		app.clock = c
		return nil
	}
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}
	if app.clock == nil {
		app.clock = clock.Real{}
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	app.Logger = logger

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdown

	if app.Redis == nil {
		app.Redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	}
	limiter := ratelimit.NewTokenBucketLimiter(app.Redis, ratelimit.WithNow(app.clock.Now))
	app.RateLimiter = limiter
	metrics.RegisterRedisCollector(app.Redis, logger)

	if app.Validator == nil && cfg.Auth.Type != "none" {
		v, err := auth.NewValidator(auth.Config{
			Type:        cfg.Auth.Type,
			Token:       cfg.Auth.Token,
			JwksURL:     cfg.Auth.JwksURL,
			Issuer:      cfg.Auth.Issuer,
			Audience:    cfg.Auth.Audience,
			ClockSkew:   time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
			HTTPTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		app.Validator = v
	}

	rt, err := router.NewFromConfig(cfg.Backends, limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	app.Router = rt

	store, err := persistence.NewPersistence(
		persistence.ProviderConfig{Type: cfg.Persistence.Type},
		persistence.PluginConfig{Client: app.Redis, Retention: time.Duration(cfg.RecordTTLHours) * time.Hour},
	)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}
	app.Store = store
	runRepo, genRepo := store.Runs(), store.Generations()

	app.Callback = services.NewResultCallbackService(logger, services.CallbackOptions{
		Secret:      cfg.WebhookHmacSecret,
		MaxAttempts: cfg.ResultWebhookMaxAttempts,
		BaseDelay:   time.Duration(cfg.ResultWebhookBaseBackoffSeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.ResultWebhookMaxBackoffSeconds) * time.Second,
		Limiter:     limiter,
		Bucket:      ratelimit.Bucket{RequestsPerMinute: cfg.RateLimit.Webhook.RequestsPerMinute, BurstSize: cfg.RateLimit.Webhook.BurstSize},
		Clock:       app.clock,
	})

	app.Pipelines = services.NewPipelineService(
		pipeline.New(rt, logger),
		prompt.NewRegistry(cfg.Roles),
		runRepo,
		app.Callback,
		logger,
	)

	pl, err := newPoller(cfg.Generation, app.genClient, app.clock, logger)
	if err != nil {
		return nil, err
	}
	var publisher providers.Publisher
	if cfg.Publisher.Enabled() {
		publisher = providers.NewPrintifyPublisher(cfg.Publisher)
	}
	wd := cfg.Generation.Workflow
	app.Generations = services.NewGenerationService(services.GenerationDeps{
		Poller:    pl,
		Repo:      genRepo,
		Uploader:  providers.NewLocalUploader(cfg.LocalArtifactsDir),
		Publisher: publisher,
		Callback:  app.Callback,
		Clock:     app.clock,
		Defaults: domain.WorkflowParams{
			NegativePrompt: wd.NegativePrompt,
			Steps:          wd.Steps,
			Width:          wd.Width,
			Height:         wd.Height,
			Guidance:       wd.Guidance,
		},
		Logger: logger,
	})

	app.Retention = services.NewRetentionService(map[string]services.Purger{
		"run":        runRepo,
		"generation": genRepo,
	}, logger, app.clock, 300)

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(cfg.Tracing.ServiceName),
		middleware.LoggerMiddleware(logger),
	)
	app.Engine = engine

	logger.Info("podflow initialised",
		"backends", cfg.BackendNames(),
		"auth", cfg.Auth.Type,
		"publisher", cfg.Publisher.Enabled(),
	)
	return app, nil
}

// Start resumes unfinished generation jobs and the retention loop.
func (a *Application) Start(ctx context.Context) error {
	ctx, a.stop = context.WithCancel(ctx)
	if n, err := a.Generations.ResumeActive(ctx); err != nil {
		a.Logger.Warn("resume generation jobs failed", "err", err)
	} else if n > 0 {
		a.Logger.Info("resuming generation jobs", "count", n)
	}
	go a.Retention.Start(ctx)
	return nil
}

// Close stops background work, flushes traces and closes Redis.
func (a *Application) Close(ctx context.Context) error {
	if a.stop != nil {
		a.stop()
	}
	a.Generations.Close()
	if a.TracingShutdown != nil {
		_ = a.TracingShutdown(ctx)
	}
	_ = a.Store.Close()
	return a.Redis.Close()
}

func newPoller(g config.GenerationConfig, client poller.GenerationClient, clk clock.Clock, logger *slog.Logger) (*poller.Poller, error) {
	interval := time.Duration(g.PollIntervalSeconds * float64(time.Second))
	policy, err := backoff.New(g.BackoffPolicy, interval, time.Duration(g.BackoffMaxSeconds)*time.Second, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return nil, fmt.Errorf("generation backoff: %w", err)
	}
	if client == nil {
		client = providers.NewRunPodClient(g.EndpointURL, g.APIKey, time.Duration(g.RequestTimeoutSeconds)*time.Second)
	}
	return poller.New(client, clk, logger, poller.Options{
		MaxAttempts:  g.PollMaxAttempts,
		Interval:     interval,
		TotalTimeout: time.Duration(g.PollTotalTimeoutSeconds) * time.Second,
		Backoff:      policy,
		Concurrency:  g.MaxConcurrentAwaits,
	}), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
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
	return slog.New(handler).With("service", "podflow", "env", cfg.Env)
}
