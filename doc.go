// Package autoflow is an in-process workflow engine: tasks are typed
// units of work with retry, timeout, caching and persistence policies;
// flows compose task calls into a DAG; an embedded scheduler executes the
// DAG with bounded concurrency, priority ordering, dynamic fan-out and
// configurable failure handling.
//
// A flow body receives an explicit *Build and wires placeholders:
//
//	numbers := autoflow.NewTask("numbers", func(ctx context.Context, args []any) (any, error) {
//		return []any{1, 2, 3, 4}, nil
//	})
//	square := autoflow.NewTask("square", func(ctx context.Context, args []any) (any, error) {
//		n := args[0].(int)
//		return n * n, nil
//	})
//	total := autoflow.NewTask("total", func(ctx context.Context, args []any) (any, error) {
//		sum := 0
//		for _, v := range args[0].([]any) {
//			sum += v.(int)
//		}
//		return sum, nil
//	})
//
//	pipeline := autoflow.NewFlow("pipeline", func(b *autoflow.Build) (any, error) {
//		nums := numbers.Call(b)
//		squares := b.FanOut(square, nums)
//		return total.Call(b, squares), nil
//	})
//
//	result, err := pipeline.Run(ctx, autoflow.RunOptions{})
//
// Calling a task inside a flow body returns an *Invocation placeholder;
// passing a placeholder as an argument to another call establishes a
// dependency edge. Nothing executes until Run.
package autoflow
