package autoflow

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/flexinfer/autoflow/pkg/types"
)

// dagNode is one node of a built run graph: a task invocation or a
// fan-out barrier.
type dagNode struct {
	id         string
	kind       types.NodeKind
	inv        *Invocation // task nodes
	fan        *FanOut     // barrier nodes
	seq        int
	upstream   map[string]struct{}
	downstream map[string]struct{}
}

func (n *dagNode) label() string {
	if n.kind == types.NodeKindFanOut {
		return fmt.Sprintf("fan_out(%s)", n.fan.child.name)
	}
	return n.inv.def.name
}

func (n *dagNode) priority() int {
	if n.kind == types.NodeKindFanOut {
		return n.fan.child.priority
	}
	return n.inv.def.priority
}

// dag is the run graph: nodes plus dependency edges. One dag belongs to
// exactly one run and is discarded with it.
type dag struct {
	flow  string
	nodes map[string]*dagNode
	order []string // insertion order, stable across identical builds
}

func newDAG(flow string) *dag {
	return &dag{flow: flow, nodes: make(map[string]*dagNode)}
}

func (d *dag) addNode(n *dagNode) {
	if _, exists := d.nodes[n.id]; exists {
		return
	}
	n.upstream = make(map[string]struct{})
	n.downstream = make(map[string]struct{})
	d.nodes[n.id] = n
	d.order = append(d.order, n.id)
}

func (d *dag) addEdge(from, to string) {
	d.nodes[from].downstream[to] = struct{}{}
	d.nodes[to].upstream[from] = struct{}{}
}

// buildDAG assembles the run graph from everything reachable through the
// flow body's return value. Unreferenced placeholders are tree-shaken:
// an invocation nothing consumes (directly or transitively from the
// returned structure) is not part of the run.
func buildDAG(flowName string, root any, b *Build) (*dag, error) {
	d := newDAG(flowName)

	var addInv func(inv *Invocation)
	var addFan func(f *FanOut)

	addInv = func(inv *Invocation) {
		if _, seen := d.nodes[inv.id]; seen {
			return
		}
		d.addNode(&dagNode{id: inv.id, kind: types.NodeKindTask, inv: inv, seq: inv.seq})
		for _, dep := range inv.deps {
			if up, ok := b.invocations[dep]; ok {
				addInv(up)
			} else if f, ok := b.fanouts[dep]; ok {
				addFan(f)
			}
		}
	}
	addFan = func(f *FanOut) {
		if _, seen := d.nodes[f.id]; seen {
			return
		}
		d.addNode(&dagNode{id: f.id, kind: types.NodeKindFanOut, fan: f, seq: f.seq})
		if f.sourceInv != nil {
			addInv(f.sourceInv)
		} else {
			addFan(f.sourceFan)
		}
	}

	walkStructure(root, addInv, addFan)

	// Wire edges after all reachable nodes exist.
	for _, id := range d.order {
		n := d.nodes[id]
		switch n.kind {
		case types.NodeKindTask:
			for _, dep := range n.inv.deps {
				if _, ok := d.nodes[dep]; !ok {
					return nil, &FlowBuildError{Flow: flowName, Err: fmt.Errorf("node %s references %s, which is not in the graph", id, dep)}
				}
				d.addEdge(dep, id)
			}
		case types.NodeKindFanOut:
			d.addEdge(n.fan.sourceID(), id)
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		return nil, &FlowBuildError{Flow: flowName, Cycle: cycle}
	}
	return d, nil
}

// walkStructure visits every placeholder reachable from a flow body's
// return value, including placeholders nested in slices and maps.
func walkStructure(v any, onInv func(*Invocation), onFan func(*FanOut)) {
	switch t := v.(type) {
	case nil, string, []byte:
		return
	case *Invocation:
		onInv(t)
		return
	case *FanOut:
		onFan(t)
		return
	case []*Invocation:
		for _, inv := range t {
			onInv(inv)
		}
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			walkStructure(rv.Index(i).Interface(), onInv, onFan)
		}
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			walkStructure(iter.Value().Interface(), onInv, onFan)
		}
	}
}

// findCycle runs a three-color DFS over dependency edges and returns the
// first cycle found, or nil.
func (d *dag) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(d.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		downstream := make([]string, 0, len(d.nodes[id].downstream))
		for next := range d.nodes[id].downstream {
			downstream = append(downstream, next)
		}
		sort.Strings(downstream)
		for _, next := range downstream {
			switch color[next] {
			case grey:
				// Found the back edge; slice the stack from the repeat.
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range d.order {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// spliceChild inserts a dynamically created child between a fan-out's
// source and its barrier.
func (d *dag) spliceChild(child *Invocation, sourceID, barrierID string) {
	d.addNode(&dagNode{id: child.id, kind: types.NodeKindTask, inv: child, seq: child.seq})
	d.addEdge(sourceID, child.id)
	d.addEdge(child.id, barrierID)
}
