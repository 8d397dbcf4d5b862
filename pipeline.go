package autoflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/flexinfer/autoflow/cache"
	"github.com/flexinfer/autoflow/events"
	"github.com/flexinfer/autoflow/metrics"
	"github.com/flexinfer/autoflow/pkg/types"
)

// executeTask runs the full per-dispatch pipeline for one invocation:
// cache lookup with single-flight dedup, middleware chain, tracing and
// events, mode-specific execution with timeout and retries, artifact
// persistence, cache store.
func (rt *Runtime) executeTask(ctx context.Context, def *TaskDefinition, nodeID string, args []any) (any, error) {
	useCache := def.cacheTTL > 0
	var key string
	var flight *cache.Flight

	if useCache {
		key = def.cacheKey(args)

		value, hit, err := rt.Cache.Get(key, def.cacheTTL)
		if err != nil {
			rt.logger.Warn("result cache read failed", "task", def.name, "error", err)
		}
		if hit {
			rt.Metrics.Inc(metrics.CacheHits, 1)
			return value, nil
		}

		var leader bool
		flight, leader = rt.InFlight.Register(key)
		if !leader {
			rt.Metrics.Inc(metrics.DedupJoins, 1)
			return flight.Wait(ctx)
		}
	}

	core := func(ctx context.Context) (any, error) {
		return rt.retryLoop(ctx, def, nodeID, args)
	}
	value, err := rt.chain(def, nodeID, args, core)(ctx)

	if err == nil && def.persist {
		ref, perr := rt.Artifacts.Put(value)
		if perr != nil {
			err = &TaskExecutionError{Task: def.name, Node: nodeID, Err: perr}
		} else {
			value = ref
		}
	}

	if err != nil {
		err = rt.wrapTerminal(def, nodeID, err)
	}

	if useCache {
		if err == nil {
			if serr := rt.Cache.Set(key, value); serr != nil {
				rt.logger.Warn("result cache store failed", "task", def.name, "error", serr)
			} else {
				rt.Metrics.Inc(metrics.CacheSets, 1)
			}
			flight.Resolve(value)
		} else {
			flight.Fail(err)
		}
		rt.InFlight.Forget(key)
	}
	return value, err
}

// wrapTerminal ensures a terminal failure carries the task and node
// identity. Cancellation and already-typed errors pass through.
func (rt *Runtime) wrapTerminal(def *TaskDefinition, nodeID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		te  *TaskExecutionError
		to  *TimeoutError
		re  *RetryExhaustedError
		nr  *nonRetryable
		agg *AggregateTaskError
	)
	if errors.As(err, &nr) {
		err = nr.err
	}
	switch {
	case errors.As(err, &te), errors.As(err, &to), errors.As(err, &re), errors.As(err, &agg):
		return err
	}
	return &TaskExecutionError{Task: def.name, Node: nodeID, Err: err}
}

// retryLoop drives attempts of one dispatch: per-attempt span and
// events, mode execution with timeout, exponential backoff with additive
// jitter between attempts.
func (rt *Runtime) retryLoop(ctx context.Context, def *TaskDefinition, nodeID string, args []any) (any, error) {
	attempt := 0
	start := time.Now()
	for {
		rt.Bus.Emit(events.TaskStarted, map[string]any{
			"task":    def.name,
			"node":    nodeID,
			"attempt": attempt,
		})

		spanCtx, span := rt.Tracer.Start(ctx, "task:"+def.name, map[string]any{"node": nodeID})
		value, err := rt.runOnce(spanCtx, def, nodeID, args)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		if err == nil {
			durationMS := float64(time.Since(start)) / float64(time.Millisecond)
			rt.Bus.Emit(events.TaskSucceeded, map[string]any{
				"task":        def.name,
				"node":        nodeID,
				"duration_ms": durationMS,
			})
			rt.Metrics.Inc(metrics.TasksSucceeded, 1)
			rt.Metrics.Observe(metrics.TaskDurationMS, durationMS)
			return value, nil
		}

		// Run-wide cancellation is not a task failure.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}

		var nr *nonRetryable
		retryable := !errors.As(err, &nr)

		if retryable && attempt < def.retries {
			attempt++
			rt.Bus.Emit(events.TaskRetry, map[string]any{
				"task":    def.name,
				"node":    nodeID,
				"attempt": attempt,
				"max":     def.retries,
			})
			if err := rt.sleepBackoff(ctx, def, attempt); err != nil {
				return nil, err
			}
			continue
		}

		rt.Bus.Emit(events.TaskFailed, map[string]any{
			"task":  def.name,
			"node":  nodeID,
			"error": err.Error(),
		})
		rt.Metrics.Inc(metrics.TasksFailed, 1)

		if !retryable {
			err = nr.err
		}
		return nil, rt.terminalError(def, nodeID, attempt, err)
	}
}

// terminalError types the last failure: timeouts keep their type, an
// exhausted retry budget wraps the last cause, a first-attempt failure
// wraps the cause directly.
func (rt *Runtime) terminalError(def *TaskDefinition, nodeID string, attempt int, err error) error {
	var to *TimeoutError
	if errors.As(err, &to) {
		return err
	}
	var te *TaskExecutionError
	if !errors.As(err, &te) {
		err = &TaskExecutionError{Task: def.name, Node: nodeID, Err: err}
	}
	if attempt > 0 {
		return &RetryExhaustedError{Task: def.name, Node: nodeID, Attempts: attempt + 1, Err: err}
	}
	return err
}

// sleepBackoff waits retry_backoff * 2^(attempt-1) plus uniform
// [0, retry_jitter) before the attempt-th retry.
func (rt *Runtime) sleepBackoff(ctx context.Context, def *TaskDefinition, attempt int) error {
	if def.retryBackoff <= 0 && def.retryJitter <= 0 {
		return nil
	}
	sleep := time.Duration(float64(def.retryBackoff) * math.Pow(2, float64(attempt-1)))
	if def.retryJitter > 0 {
		sleep += time.Duration(rand.Int63n(int64(def.retryJitter)))
	}
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcome struct {
	value any
	err   error
}

// runOnce executes one attempt in the task's execution mode, racing it
// against the per-attempt timeout when one is set.
func (rt *Runtime) runOnce(ctx context.Context, def *TaskDefinition, nodeID string, args []any) (any, error) {
	attemptCtx := ctx
	if def.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}

	switch def.runIn {
	case types.ExecProcess:
		value, err := rt.proc.run(attemptCtx, def.name, args)
		return value, rt.translateCtxErr(ctx, attemptCtx, def, nodeID, err)

	case types.ExecThread:
		return rt.race(ctx, attemptCtx, def, nodeID, args)

	default: // async
		if def.timeout <= 0 {
			return invokeBody(attemptCtx, def, args)
		}
		return rt.race(ctx, attemptCtx, def, nodeID, args)
	}
}

// race runs the body on its own goroutine and waits for completion or
// the attempt context. On timeout the attempt fails immediately; the
// body keeps the cancelled context and is expected to unwind on its own.
func (rt *Runtime) race(ctx, attemptCtx context.Context, def *TaskDefinition, nodeID string, args []any) (any, error) {
	ch := make(chan outcome, 1)
	go func() {
		value, err := invokeBody(attemptCtx, def, args)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case o := <-ch:
		return o.value, rt.translateCtxErr(ctx, attemptCtx, def, nodeID, o.err)
	case <-attemptCtx.Done():
		return nil, rt.translateCtxErr(ctx, attemptCtx, def, nodeID, attemptCtx.Err())
	}
}

// translateCtxErr maps a deadline expiry of the attempt context to a
// retryable TimeoutError, and keeps run-wide cancellation as-is.
func (rt *Runtime) translateCtxErr(ctx, attemptCtx context.Context, def *TaskDefinition, nodeID string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if attemptCtx.Err() != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Task: def.name, Node: nodeID, Timeout: def.timeout}
	}
	return err
}

// invokeBody calls the user function, converting panics into errors.
func invokeBody(ctx context.Context, def *TaskDefinition, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return def.fn(ctx, args)
}

// runImmediate executes a task outside any flow through the same
// pipeline, on the caller's goroutine.
func (rt *Runtime) runImmediate(ctx context.Context, def *TaskDefinition, args []any) (any, error) {
	return rt.executeTask(ctx, def, def.name, args)
}
