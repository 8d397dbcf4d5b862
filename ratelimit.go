package autoflow

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles dispatches through a shared token bucket
// of rps tokens per second with the given burst. Dispatches wait for a
// token, honoring cancellation while queued.
func RateLimitMiddleware(rps float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(ctx context.Context, next Next, def *TaskDefinition, args []any) (any, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return next(ctx)
	}
}
