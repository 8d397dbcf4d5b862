package autoflow

import (
	"context"
	"time"
)

// RunContext exposes per-run identity and parameters to task bodies. One
// exists per Flow.Run and is destroyed when the run returns.
type RunContext struct {
	RunID     string
	FlowName  string
	Params    map[string]any
	StartedAt time.Time
}

type runContextKey struct{}

func withRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// GetRunContext returns the active run context carried by ctx. Outside a
// run it returns a neutral context with empty identity and parameters.
func GetRunContext(ctx context.Context) *RunContext {
	if rc, ok := ctx.Value(runContextKey{}).(*RunContext); ok {
		return rc
	}
	return &RunContext{Params: map[string]any{}}
}
