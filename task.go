package autoflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flexinfer/autoflow/internal/config"
	"github.com/flexinfer/autoflow/pkg/types"
)

// TaskFunc is a task body. It receives the resolved argument values in
// declaration order; the run context is available via GetRunContext.
type TaskFunc func(ctx context.Context, args []any) (any, error)

// CacheKeyFunc derives a stable cache key from a task name and its
// resolved arguments.
type CacheKeyFunc func(name string, args []any) string

// DefaultCacheKey hashes the task name and a stable rendering of the
// arguments. It does not include a fingerprint of the task body: changing
// a function while keeping its name can serve stale cached values within
// TTL.
func DefaultCacheKey(name string, args []any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("autoflow:v1|%s|%#v", name, args)))
	return hex.EncodeToString(sum[:])
}

// TaskDefinition is the immutable descriptor of a callable plus its
// execution policies. Definitions outlive runs; create them once at
// package scope.
type TaskDefinition struct {
	name         string
	fn           TaskFunc
	runIn        types.ExecMode
	retries      int
	retryBackoff time.Duration
	retryJitter  time.Duration
	timeout      time.Duration // 0 = none
	cacheTTL     time.Duration // 0 = caching disabled
	cacheKeyFn   CacheKeyFunc
	persist      bool
	priority     int
	tags         map[string]struct{}
	condition    string // expr source, "" = unconditional
}

// TaskOption configures a task definition at declaration time.
type TaskOption func(*TaskDefinition)

// WithRunIn selects the execution mode (async, thread or process).
func WithRunIn(mode types.ExecMode) TaskOption {
	return func(d *TaskDefinition) { d.runIn = mode }
}

// WithRetries sets how many times a failed attempt is retried.
func WithRetries(n int) TaskOption {
	return func(d *TaskDefinition) {
		if n >= 0 {
			d.retries = n
		}
	}
}

// WithRetryBackoff sets the base backoff; the k-th retry sleeps
// backoff * 2^(k-1) plus jitter.
func WithRetryBackoff(d time.Duration) TaskOption {
	return func(td *TaskDefinition) {
		if d >= 0 {
			td.retryBackoff = d
		}
	}
}

// WithRetryJitter adds a uniform [0, jitter) component to each retry
// sleep.
func WithRetryJitter(d time.Duration) TaskOption {
	return func(td *TaskDefinition) {
		if d >= 0 {
			td.retryJitter = d
		}
	}
}

// WithTimeout bounds each attempt; expiry counts as a retryable failure.
func WithTimeout(d time.Duration) TaskOption {
	return func(td *TaskDefinition) { td.timeout = d }
}

// WithCacheTTL enables result caching with the given freshness window.
func WithCacheTTL(d time.Duration) TaskOption {
	return func(td *TaskDefinition) { td.cacheTTL = d }
}

// WithCacheKeyFunc replaces the default cache key derivation.
func WithCacheKeyFunc(fn CacheKeyFunc) TaskOption {
	return func(td *TaskDefinition) {
		if fn != nil {
			td.cacheKeyFn = fn
		}
	}
}

// WithPersist stores the task result in the artifact store and hands an
// artifact.Ref to dependents in place of the value.
func WithPersist() TaskOption {
	return func(td *TaskDefinition) { td.persist = true }
}

// WithPriority orders dispatch among simultaneously ready nodes; higher
// runs earlier.
func WithPriority(p int) TaskOption {
	return func(td *TaskDefinition) { td.priority = p }
}

// WithTags attaches free-form tags to the definition.
func WithTags(tags ...string) TaskOption {
	return func(td *TaskDefinition) {
		for _, t := range tags {
			td.tags[t] = struct{}{}
		}
	}
}

// When gates execution on an expression over {params, run_id}; a false
// result marks the node skipped without dispatch.
func When(expr string) TaskOption {
	return func(td *TaskDefinition) { td.condition = expr }
}

// NewTask declares a task and registers it process-wide under its name.
// The default execution mode comes from the default_executor config
// option.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *TaskDefinition {
	mode, ok := types.ParseExecMode(config.Load().DefaultExecutor)
	if !ok {
		mode = types.ExecAsync
	}
	def := &TaskDefinition{
		name:       name,
		fn:         fn,
		runIn:      mode,
		cacheKeyFn: DefaultCacheKey,
		tags:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(def)
	}
	registerTask(def)
	return def
}

// Name returns the unique task name.
func (d *TaskDefinition) Name() string { return d.name }

// Priority returns the dispatch priority.
func (d *TaskDefinition) Priority() int { return d.priority }

// Tags returns a copy of the definition's tags.
func (d *TaskDefinition) Tags() []string {
	out := make([]string, 0, len(d.tags))
	for t := range d.tags {
		out = append(out, t)
	}
	return out
}

// Call registers an invocation of this task in a flow build and returns
// its placeholder. The body does not execute until the flow runs.
func (d *TaskDefinition) Call(b *Build, args ...any) *Invocation {
	return b.register(d, args)
}

// Run executes the task immediately through the full pipeline (cache,
// middleware, retries, persistence) on the default runtime, outside any
// flow.
func (d *TaskDefinition) Run(ctx context.Context, args ...any) (any, error) {
	return DefaultRuntime().runImmediate(ctx, d, args)
}

func (d *TaskDefinition) cacheKey(args []any) string {
	return d.cacheKeyFn(d.name, args)
}
