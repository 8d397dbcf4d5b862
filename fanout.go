package autoflow

import (
	"fmt"
	"reflect"
)

// FanOut is a barrier node declaring a dynamic child set: one invocation
// of the child task per element of the source's result, with the ordered
// child results delivered to downstream consumers. The barrier itself has
// no value.
type FanOut struct {
	id        string
	seq       int
	sourceInv *Invocation // exactly one of sourceInv/sourceFan is set
	sourceFan *FanOut
	child     *TaskDefinition
	maxConc   int // advisory hint, not enforced
}

// ID returns the barrier id, of the form fanout:<n>.
func (f *FanOut) ID() string { return f.id }

func (f *FanOut) sourceID() string {
	if f.sourceInv != nil {
		return f.sourceInv.id
	}
	return f.sourceFan.id
}

// FanOutOption configures a fan-out declaration.
type FanOutOption func(*FanOut)

// WithMaxConcurrency records an advisory per-fan-out concurrency hint.
// The global max_concurrency bound still applies to the children.
func WithMaxConcurrency(n int) FanOutOption {
	return func(f *FanOut) { f.maxConc = n }
}

// FanOut declares one child task call per element of iterable.
//
// When iterable is a concrete slice the expansion is static: the children
// are created immediately and returned as []*Invocation. When iterable is
// an *Invocation (or another *FanOut) the expansion is dynamic: a *FanOut
// barrier is returned and children are created at runtime once the source
// succeeds.
func (b *Build) FanOut(child *TaskDefinition, iterable any, opts ...FanOutOption) any {
	switch src := iterable.(type) {
	case *Invocation:
		return b.newFanOut(child, src, nil, opts)
	case *FanOut:
		return b.newFanOut(child, nil, src, opts)
	}

	rv := reflect.ValueOf(iterable)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		// Build-time misuse; surfaced when the flow is built.
		panic(fmt.Sprintf("autoflow: FanOut iterable must be a slice, an *Invocation or a *FanOut, got %T", iterable))
	}

	out := make([]*Invocation, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = child.Call(b, rv.Index(i).Interface())
	}
	return out
}

func (b *Build) newFanOut(child *TaskDefinition, srcInv *Invocation, srcFan *FanOut, opts []FanOutOption) *FanOut {
	b.fanoutSeq++
	f := &FanOut{
		id:        fmt.Sprintf("fanout:%d", b.fanoutSeq),
		seq:       b.seq,
		sourceInv: srcInv,
		sourceFan: srcFan,
		child:     child,
	}
	b.seq++
	for _, opt := range opts {
		opt(f)
	}
	b.fanouts[f.id] = f
	return f
}
