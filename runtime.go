package autoflow

import (
	"log/slog"
	"sync"

	"github.com/flexinfer/autoflow/artifact"
	"github.com/flexinfer/autoflow/cache"
	"github.com/flexinfer/autoflow/events"
	"github.com/flexinfer/autoflow/internal/config"
	"github.com/flexinfer/autoflow/metrics"
	"github.com/flexinfer/autoflow/secrets"
	"github.com/flexinfer/autoflow/tracing"
)

// Runtime bundles the process services the engine uses: result cache,
// artifact store, event bus, metrics, tracer, middleware and the process
// pool. A process-wide default exists for ergonomic use; flows also accept
// an explicit Runtime (WithFlowRuntime, RunOptions.Runtime) for tests and
// re-entrancy, while TaskDefinition.Run always uses the default.
type Runtime struct {
	cfg *config.Config

	Cache     cache.Store
	InFlight  *cache.InFlight
	Artifacts artifact.Store
	Bus       *events.Bus
	Metrics   metrics.Provider
	Tracer    tracing.Tracer

	mwMu       sync.Mutex
	middleware []Middleware

	conditions *conditionCache
	proc       *processPool
	logger     *slog.Logger
}

// RuntimeOption overrides one service of a new runtime.
type RuntimeOption func(*Runtime)

// WithCache replaces the result cache backend.
func WithCache(s cache.Store) RuntimeOption {
	return func(rt *Runtime) { rt.Cache = s }
}

// WithArtifactStore replaces the artifact store backend.
func WithArtifactStore(s artifact.Store) RuntimeOption {
	return func(rt *Runtime) { rt.Artifacts = s }
}

// WithBus replaces the event bus.
func WithBus(b *events.Bus) RuntimeOption {
	return func(rt *Runtime) { rt.Bus = b }
}

// WithMetrics replaces the metrics provider.
func WithMetrics(p metrics.Provider) RuntimeOption {
	return func(rt *Runtime) { rt.Metrics = p }
}

// WithTracer replaces the tracer.
func WithTracer(t tracing.Tracer) RuntimeOption {
	return func(rt *Runtime) { rt.Tracer = t }
}

// WithLogger replaces the runtime logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// NewRuntime builds a runtime with backends selected by configuration.
// A backend that fails to initialize is reported and replaced with the
// memory implementation so the engine stays usable.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	cfg := config.Load()
	rt := &Runtime{
		cfg:        cfg,
		InFlight:   cache.NewInFlight(),
		Bus:        events.NewBus(),
		Metrics:    metrics.NewInMemory(),
		Tracer:     tracing.Noop{},
		conditions: newConditionCache(),
		logger:     slog.Default(),
	}
	rt.proc = newProcessPool(cfg.ProcessPoolMaxWorkers)

	for _, opt := range opts {
		opt(rt)
	}

	if rt.Cache == nil {
		rt.Cache = newCacheFromConfig(cfg, rt.logger)
	}
	if rt.Artifacts == nil {
		rt.Artifacts = newArtifactStoreFromConfig(cfg, rt.logger)
	}
	return rt
}

func newCacheFromConfig(cfg *config.Config, logger *slog.Logger) cache.Store {
	switch cfg.ResultCache {
	case "filesystem":
		fs, err := cache.NewFilesystem(cfg.ResultCachePath)
		if err != nil {
			logger.Error("filesystem cache unavailable, falling back to memory", "error", err)
			break
		}
		return fs
	case "redis":
		password, ok := secrets.Resolve(cfg.RedisPassword)
		if !ok {
			logger.Warn("redis password secret not found", "value", cfg.RedisPassword)
		}
		r, err := cache.NewRedis(&cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: password,
			DB:       cfg.RedisDB,
			Timeout:  cfg.BackendTimeout,
		})
		if err != nil {
			logger.Error("redis cache unavailable, falling back to memory", "error", err)
			break
		}
		return r
	}
	return cache.NewMemory(cfg.ResultCacheMaxEntries)
}

func newArtifactStoreFromConfig(cfg *config.Config, logger *slog.Logger) artifact.Store {
	switch cfg.ArtifactStore {
	case "filesystem":
		fs, err := artifact.NewFilesystem(cfg.ArtifactStorePath, cfg.ArtifactSerializer)
		if err != nil {
			logger.Error("filesystem artifact store unavailable, falling back to memory", "error", err)
			break
		}
		return fs
	case "s3":
		s3store, err := artifact.NewS3(&artifact.S3Config{
			Endpoint:   cfg.S3Endpoint,
			Bucket:     cfg.S3Bucket,
			Region:     cfg.S3Region,
			PathPrefix: cfg.S3PathPrefix,
			Timeout:    cfg.BackendTimeout,
		})
		if err != nil {
			logger.Error("s3 artifact store unavailable, falling back to memory", "error", err)
			break
		}
		return s3store
	}
	return artifact.NewMemory()
}

// Close releases pooled resources. The default runtime is closed only by
// ResetDefaultRuntime; explicit runtimes should be closed by their owners.
func (rt *Runtime) Close() {
	rt.proc.close()
}

var (
	defaultRuntimeMu sync.Mutex
	defaultRuntime   *Runtime
)

// DefaultRuntime returns the process-wide runtime, creating it on first
// use wired to the process-wide event bus.
func DefaultRuntime() *Runtime {
	defaultRuntimeMu.Lock()
	defer defaultRuntimeMu.Unlock()
	if defaultRuntime == nil {
		defaultRuntime = NewRuntime(WithBus(events.Default()))
	}
	return defaultRuntime
}

// ResetDefaultRuntime discards the process-wide runtime so the next use
// rebuilds it from current configuration; test helper.
func ResetDefaultRuntime() {
	defaultRuntimeMu.Lock()
	if defaultRuntime != nil {
		defaultRuntime.Close()
		defaultRuntime = nil
	}
	defaultRuntimeMu.Unlock()
}

// Use registers a middleware on the default runtime.
func Use(mw Middleware) { DefaultRuntime().Use(mw) }

// Subscribe registers an event handler on the process-wide bus.
func Subscribe(event string, h events.Handler) { events.Subscribe(event, h) }

// SetTracer swaps the tracer on the default runtime; it takes effect for
// dispatches begun afterwards.
func SetTracer(t tracing.Tracer) { DefaultRuntime().Tracer = t }

// SetMetricsProvider swaps the metrics provider on the default runtime.
func SetMetricsProvider(p metrics.Provider) { DefaultRuntime().Metrics = p }

// SetSecretsProvider swaps the process-wide secrets provider.
func SetSecretsProvider(p secrets.Provider) { secrets.SetProvider(p) }
