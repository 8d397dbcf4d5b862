package autoflow

import (
	"fmt"
	"reflect"

	"github.com/flexinfer/autoflow/pkg/types"
)

// Invocation is a build-time placeholder for the result of one task call.
// Bindings are immutable once constructed; the set of inbound
// dependencies is derived from them.
type Invocation struct {
	id   string
	seq  int
	def  *TaskDefinition
	args []types.Value
	deps []string
}

// ID returns the node id, of the form <task>:<n>.
func (inv *Invocation) ID() string { return inv.id }

// Task returns the task name this invocation calls.
func (inv *Invocation) Task() string { return inv.def.name }

// Build collects the invocations and fan-outs declared by one flow body.
// It is confined to the goroutine running the body and must not escape
// it.
type Build struct {
	params      map[string]any
	counters    map[string]int
	seq         int
	invocations map[string]*Invocation
	fanouts     map[string]*FanOut
	fanoutSeq   int
}

func newBuild(params map[string]any) *Build {
	if params == nil {
		params = map[string]any{}
	}
	return &Build{
		params:      params,
		counters:    make(map[string]int),
		invocations: make(map[string]*Invocation),
		fanouts:     make(map[string]*FanOut),
	}
}

// Params returns the run parameters the flow was invoked with.
func (b *Build) Params() map[string]any { return b.params }

// Param returns one parameter and whether it was provided.
func (b *Build) Param(key string) (any, bool) {
	v, ok := b.params[key]
	return v, ok
}

func (b *Build) nextID(taskName string) string {
	b.counters[taskName]++
	return fmt.Sprintf("%s:%d", taskName, b.counters[taskName])
}

func (b *Build) register(def *TaskDefinition, args []any) *Invocation {
	bound := make([]types.Value, len(args))
	for i, a := range args {
		bound[i] = b.bind(a)
	}

	inv := &Invocation{
		id:   b.nextID(def.name),
		seq:  b.seq,
		def:  def,
		args: bound,
	}
	b.seq++

	seen := make(map[string]struct{})
	for _, v := range bound {
		for _, dep := range v.RefIDs() {
			if _, dup := seen[dep]; !dup {
				seen[dep] = struct{}{}
				inv.deps = append(inv.deps, dep)
			}
		}
	}

	b.invocations[inv.id] = inv
	return inv
}

// bind converts one user-supplied argument into a tagged binding,
// walking slices and string-keyed maps so placeholders nested inside
// collections still produce dependency edges.
func (b *Build) bind(arg any) types.Value {
	switch v := arg.(type) {
	case nil:
		return types.Lit(nil)
	case *Invocation:
		return types.Ref(v.id)
	case *FanOut:
		return types.FanOutRef(v.id)
	case []*Invocation:
		list := make([]types.Value, len(v))
		for i, inv := range v {
			list[i] = types.Ref(inv.id)
		}
		return types.Value{Kind: types.KindList, List: list}
	case string, []byte:
		return types.Lit(v)
	}

	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		list := make([]types.Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			list[i] = b.bind(rv.Index(i).Interface())
		}
		return types.Value{Kind: types.KindList, List: list}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]types.Value, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				m[iter.Key().String()] = b.bind(iter.Value().Interface())
			}
			return types.Value{Kind: types.KindMap, Map: m}
		}
	}
	return types.Lit(arg)
}
