package autoflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flexinfer/autoflow/events"
)

func TestTrivialFlowReturnsStructure(t *testing.T) {
	rt := testRuntime()
	flow := NewFlow("trivial_flow", func(b *Build) (any, error) {
		return 42, nil
	})

	result, err := flow.Run(context.Background(), RunOptions{Runtime: rt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestFlowBodyErrorWrapped(t *testing.T) {
	rt := testRuntime()
	flow := NewFlow("broken_body_flow", func(b *Build) (any, error) {
		return nil, errors.New("bad wiring")
	})

	_, err := flow.Run(context.Background(), RunOptions{Runtime: rt})
	var fbe *FlowBuildError
	if !errors.As(err, &fbe) {
		t.Fatalf("err = %v, want *FlowBuildError", err)
	}
}

func TestRunContextInsideTask(t *testing.T) {
	rt := testRuntime()

	probe := NewTask("rc_probe", func(ctx context.Context, args []any) (any, error) {
		rc := GetRunContext(ctx)
		if rc.RunID == "" {
			return nil, errors.New("missing run id")
		}
		return rc.Params["who"], nil
	})
	flow := NewFlow("rc_flow", func(b *Build) (any, error) {
		return probe.Call(b), nil
	})

	result, err := flow.Run(context.Background(), RunOptions{
		Runtime: rt,
		Params:  map[string]any{"who": "tester"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "tester" {
		t.Errorf("result = %v, want tester", result)
	}
}

func TestRunContextNeutralOutsideRun(t *testing.T) {
	rc := GetRunContext(context.Background())
	if rc.RunID != "" || rc.FlowName != "" {
		t.Errorf("neutral context = %+v", rc)
	}
	if rc.Params == nil {
		t.Error("neutral context has nil params")
	}
}

func TestFlowEvents(t *testing.T) {
	rt := testRuntime()
	log := recordEvents(rt.Bus, events.FlowStarted, events.FlowCompleted)

	noop := NewTask("fe_noop", func(ctx context.Context, args []any) (any, error) { return nil, nil })
	flow := NewFlow("fe_flow", func(b *Build) (any, error) {
		return noop.Call(b), nil
	})

	if _, err := flow.Run(context.Background(), RunOptions{Runtime: rt}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if log.count(events.FlowStarted) != 1 || log.count(events.FlowCompleted) != 1 {
		t.Errorf("flow events: started=%d completed=%d",
			log.count(events.FlowStarted), log.count(events.FlowCompleted))
	}
}

func TestParamsSchemaValidation(t *testing.T) {
	rt := testRuntime()

	var executions int
	work := NewTask("schema_work", func(ctx context.Context, args []any) (any, error) {
		executions++
		return nil, nil
	})

	flow := NewFlow("schema_flow", func(b *Build) (any, error) {
		return work.Call(b), nil
	}, WithParamsSchema(`{
		"type": "object",
		"required": ["n"],
		"properties": {"n": {"type": "integer", "minimum": 1}}
	}`))

	_, err := flow.Run(context.Background(), RunOptions{Runtime: rt})
	if err == nil {
		t.Fatal("missing required param accepted")
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Errorf("err = %v, want schema rejection", err)
	}
	if executions != 0 {
		t.Error("task executed despite invalid params")
	}

	if _, err := flow.Run(context.Background(), RunOptions{
		Runtime: rt,
		Params:  map[string]any{"n": 3},
	}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}
}

func TestInvalidRunOptions(t *testing.T) {
	rt := testRuntime()
	flow := NewFlow("opt_flow", func(b *Build) (any, error) { return nil, nil })

	if _, err := flow.Run(context.Background(), RunOptions{Runtime: rt, FailurePolicy: "detonate"}); err == nil {
		t.Error("unknown failure policy accepted")
	}
	if _, err := flow.Run(context.Background(), RunOptions{Runtime: rt, MaxConcurrency: -1}); err == nil {
		t.Error("negative max concurrency accepted")
	}
}

func TestFlowRegistry(t *testing.T) {
	flow := NewFlow("registry_probe_flow", func(b *Build) (any, error) { return nil, nil })

	got, ok := LookupFlow("registry_probe_flow")
	if !ok || got != flow {
		t.Fatal("registered flow not found")
	}

	found := false
	for _, name := range FlowNames() {
		if name == "registry_probe_flow" {
			found = true
		}
	}
	if !found {
		t.Error("flow missing from FlowNames")
	}
}

func TestMalformedFanOutIsBuildError(t *testing.T) {
	rt := testRuntime()

	child := NewTask("mal_child", func(ctx context.Context, args []any) (any, error) { return nil, nil })
	flow := NewFlow("mal_flow", func(b *Build) (any, error) {
		return b.FanOut(child, 42), nil // not a slice, not a placeholder
	})

	_, err := flow.Run(context.Background(), RunOptions{Runtime: rt})
	var fbe *FlowBuildError
	if !errors.As(err, &fbe) {
		t.Fatalf("err = %v, want *FlowBuildError", err)
	}
}

func TestDescribeDoesNotExecute(t *testing.T) {
	var executions int
	work := NewTask("describe_work", func(ctx context.Context, args []any) (any, error) {
		executions++
		return nil, nil
	})
	flow := NewFlow("describe_flow", func(b *Build) (any, error) {
		return work.Call(b), nil
	})

	graph, err := flow.Describe(nil)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if graph.Flow != "describe_flow" || graph.Count != 1 {
		t.Errorf("graph = %+v", graph)
	}
	if executions != 0 {
		t.Error("Describe executed a task")
	}
}
