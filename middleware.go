package autoflow

import (
	"context"

	"github.com/flexinfer/autoflow/events"
)

// Next advances a middleware chain to the next layer.
type Next func(ctx context.Context) (any, error)

// Middleware wraps task execution as an onion layer. Layers compose
// outermost-first in registration order; each layer must invoke next
// exactly once to proceed. A middleware error propagates as a task
// failure and is not retried.
type Middleware func(ctx context.Context, next Next, def *TaskDefinition, args []any) (any, error)

// Use appends a middleware on the runtime. Registration during a run is
// allowed; it takes effect for dispatches begun afterwards.
func (rt *Runtime) Use(mw Middleware) {
	rt.mwMu.Lock()
	rt.middleware = append(rt.middleware, mw)
	rt.mwMu.Unlock()
}

// ClearMiddleware removes all registered middleware.
func (rt *Runtime) ClearMiddleware() {
	rt.mwMu.Lock()
	rt.middleware = nil
	rt.mwMu.Unlock()
}

// chain composes the registered middleware around core. The returned
// function runs the outermost layer first.
func (rt *Runtime) chain(def *TaskDefinition, node string, args []any, core Next) Next {
	rt.mwMu.Lock()
	layers := append([]Middleware{}, rt.middleware...)
	rt.mwMu.Unlock()

	next := core
	for i := len(layers) - 1; i >= 0; i-- {
		mw := layers[i]
		inner := next
		next = func(ctx context.Context) (any, error) {
			entered := false
			guarded := func(ctx context.Context) (any, error) {
				entered = true
				return inner(ctx)
			}
			v, err := mw(ctx, guarded, def, args)
			if err != nil && !entered {
				// The failure arose in the middleware layer itself,
				// before the inner chain ran.
				rt.Bus.Emit(events.MiddlewareError, map[string]any{
					"task":  def.name,
					"node":  node,
					"error": err.Error(),
				})
			}
			return v, err
		}
	}
	return next
}
