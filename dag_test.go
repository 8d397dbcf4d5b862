package autoflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flexinfer/autoflow/pkg/types"
)

func buildForTest(t *testing.T, params map[string]any, body BuildFunc) (*dag, *Build) {
	t.Helper()
	b := newBuild(params)
	structure, err := body(b)
	if err != nil {
		t.Fatalf("build body: %v", err)
	}
	d, err := buildDAG("test", structure, b)
	if err != nil {
		t.Fatalf("buildDAG: %v", err)
	}
	return d, b
}

func TestCycleDetection(t *testing.T) {
	noop := NewTask("cyc_noop", func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	})

	b := newBuild(nil)
	first := noop.Call(b)
	second := noop.Call(b, first)
	// Force a back edge; bindings cannot express this, the build API
	// only lets later nodes reference earlier ones.
	first.deps = append(first.deps, second.id)

	_, err := buildDAG("cyclic", second, b)
	var fbe *FlowBuildError
	if !errors.As(err, &fbe) {
		t.Fatalf("err = %v, want *FlowBuildError", err)
	}
	if len(fbe.Cycle) == 0 {
		t.Errorf("cycle not reported: %v", fbe)
	}
}

func TestTreeShakingOmitsUnreferenced(t *testing.T) {
	used := NewTask("shake_used", func(ctx context.Context, args []any) (any, error) { return nil, nil })
	orphan := NewTask("shake_orphan", func(ctx context.Context, args []any) (any, error) { return nil, nil })

	d, _ := buildForTest(t, nil, func(b *Build) (any, error) {
		orphan.Call(b) // never referenced by the returned structure
		return used.Call(b), nil
	})

	if len(d.nodes) != 1 {
		t.Fatalf("node count = %d, want 1", len(d.nodes))
	}
	if _, ok := d.nodes["shake_orphan:1"]; ok {
		t.Error("unreferenced invocation survived tree-shaking")
	}
}

func TestAdjacencyExport(t *testing.T) {
	a := NewTask("exp_a", func(ctx context.Context, args []any) (any, error) { return nil, nil })
	z := NewTask("exp_z", func(ctx context.Context, args []any) (any, error) { return nil, nil })

	d, _ := buildForTest(t, nil, func(b *Build) (any, error) {
		return z.Call(b, a.Call(b)), nil
	})

	exp := d.export()
	if exp.Count != 2 || len(exp.Nodes) != 2 {
		t.Fatalf("export = %+v", exp)
	}
	if exp.Nodes[0].ID != "exp_a:1" || exp.Nodes[0].Kind != "task" || exp.Nodes[0].Label != "exp_a" {
		t.Errorf("first node = %+v", exp.Nodes[0])
	}
	if len(exp.Edges) != 1 || exp.Edges[0].From != "exp_a:1" || exp.Edges[0].To != "exp_z:1" {
		t.Errorf("edges = %+v", exp.Edges)
	}
}

func TestDOTExportRoutesThroughBarrier(t *testing.T) {
	src := NewTask("dot_src", func(ctx context.Context, args []any) (any, error) { return []any{1}, nil })
	fetch := NewTask("dot_fetch", func(ctx context.Context, args []any) (any, error) { return nil, nil })
	sink := NewTask("dot_sink", func(ctx context.Context, args []any) (any, error) { return nil, nil })

	d, _ := buildForTest(t, nil, func(b *Build) (any, error) {
		return sink.Call(b, b.FanOut(fetch, src.Call(b))), nil
	})

	dot := d.exportDOT()
	if !strings.Contains(dot, `shape=diamond label="fan_out(dot_fetch)"`) {
		t.Errorf("missing diamond barrier:\n%s", dot)
	}
	if !strings.Contains(dot, `"dot_src:1" -> "fanout:1"`) {
		t.Errorf("missing source->barrier edge:\n%s", dot)
	}
	if !strings.Contains(dot, `"fanout:1" -> "dot_sink:1"`) {
		t.Errorf("missing barrier->consumer edge:\n%s", dot)
	}
	if strings.Contains(dot, `"dot_src:1" -> "dot_sink:1"`) {
		t.Errorf("bypass edge around the barrier:\n%s", dot)
	}
}

func TestNodeIDsAreStable(t *testing.T) {
	task := NewTask("stable_task", func(ctx context.Context, args []any) (any, error) { return nil, nil })

	build := func() *dag {
		d, _ := buildForTest(t, nil, func(b *Build) (any, error) {
			return []any{task.Call(b), task.Call(b)}, nil
		})
		return d
	}

	first := build().export()
	second := build().export()
	if first.Nodes[0].ID != "stable_task:1" || first.Nodes[1].ID != "stable_task:2" {
		t.Errorf("ids = %+v", first.Nodes)
	}
	for i := range first.Nodes {
		if first.Nodes[i] != second.Nodes[i] {
			t.Errorf("node %d differs across identical builds", i)
		}
	}
}

func TestNestedBindingsCreateEdges(t *testing.T) {
	leaf := NewTask("bind_leaf", func(ctx context.Context, args []any) (any, error) { return 1, nil })
	sink := NewTask("bind_sink", func(ctx context.Context, args []any) (any, error) { return args[0], nil })

	d, _ := buildForTest(t, nil, func(b *Build) (any, error) {
		l := leaf.Call(b)
		// Placeholder nested inside a map inside a slice.
		return sink.Call(b, []any{map[string]any{"value": l}}), nil
	})

	sinkNode := d.nodes["bind_sink:1"]
	if _, ok := sinkNode.upstream["bind_leaf:1"]; !ok {
		t.Error("nested placeholder did not create a dependency edge")
	}
}

func TestNodeKindVocabulary(t *testing.T) {
	// The exported kind strings are part of the stable format.
	if types.NodeKindTask != "task" || types.NodeKindFanOut != "fanout" {
		t.Fatal("node kind export strings changed")
	}
}
