package autoflow

import (
	"container/heap"
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/flexinfer/autoflow/events"
	"github.com/flexinfer/autoflow/pkg/types"
)

// readyItem orders the ready set by (-priority, declaration order).
type readyItem struct {
	priority int
	seq      int
	id       string
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyItem)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type nodeDone struct {
	id    string
	value any
	err   error
}

type nodeFailure struct {
	seq int
	err error
}

// RunReport exposes per-node outcomes of a finished run, plus the graph
// as it stood at run end (dynamically expanded children included).
type RunReport struct {
	NodeStatus map[string]types.NodeStatus
	Failures   []error
	Graph      *types.GraphExport
}

// scheduler drives one run of one DAG. The loop goroutine owns all
// mutable state; task bodies run in their own goroutines and report back
// over the completions channel.
type scheduler struct {
	rt      *Runtime
	d       *dag
	b       *Build
	rc      *RunContext
	policy  types.FailurePolicy
	maxConc int // 0 = unbounded

	runCtx context.Context
	cancel context.CancelFunc

	status      map[string]types.NodeStatus
	results     map[string]any
	remaining   map[string]int
	skipFlag    map[string]bool
	ready       readyQueue
	running     int
	completions chan nodeDone

	barrierChildren map[string][]string
	dynamicCount    int

	failures []nodeFailure
	firstErr error
	aborting bool
}

func newScheduler(rt *Runtime, d *dag, b *Build, rc *RunContext, policy types.FailurePolicy, maxConc int, runCtx context.Context, cancel context.CancelFunc) *scheduler {
	return &scheduler{
		rt:              rt,
		d:               d,
		b:               b,
		rc:              rc,
		policy:          policy,
		maxConc:         maxConc,
		runCtx:          runCtx,
		cancel:          cancel,
		status:          make(map[string]types.NodeStatus),
		results:         make(map[string]any),
		remaining:       make(map[string]int),
		skipFlag:        make(map[string]bool),
		completions:     make(chan nodeDone),
		barrierChildren: make(map[string][]string),
	}
}

// run executes the DAG to completion and returns node results.
func (s *scheduler) run() (map[string]any, error) {
	for _, id := range s.d.order {
		s.status[id] = types.NodeStatusPending
		s.remaining[id] = len(s.d.nodes[id].upstream)
	}
	for _, id := range s.d.order {
		if s.remaining[id] == 0 {
			s.promote(id)
		}
	}

	for {
		s.dispatchReady()
		if s.running == 0 {
			break
		}
		s.handleCompletion(<-s.completions)
	}

	return s.finalize()
}

// dispatchReady starts ready nodes while a concurrency slot is free.
func (s *scheduler) dispatchReady() {
	for !s.aborting && s.ready.Len() > 0 && (s.maxConc <= 0 || s.running < s.maxConc) {
		item := heap.Pop(&s.ready).(readyItem)
		n := s.d.nodes[item.id]

		s.status[n.id] = types.NodeStatusRunning
		s.running++

		args := s.resolveArgs(n.inv)
		go func(inv *Invocation, id string, args []any) {
			value, err := s.rt.executeTask(s.runCtx, inv.def, id, args)
			s.completions <- nodeDone{id: id, value: value, err: err}
		}(n.inv, n.id, args)
	}
}

// promote moves a node whose dependencies are satisfied toward dispatch:
// tasks enter the ready queue, barriers expand, skip-flagged and
// condition-false nodes resolve to skipped without dispatch.
func (s *scheduler) promote(id string) {
	n := s.d.nodes[id]

	if s.skipFlag[id] {
		s.markSkipped(id)
		return
	}

	if n.kind == types.NodeKindFanOut {
		s.expandBarrier(n)
		return
	}

	if cond := n.inv.def.condition; cond != "" {
		ok, err := s.rt.conditions.eval(cond, s.rc)
		if err != nil {
			s.handleFailure(id, &TaskExecutionError{Task: n.inv.def.name, Node: id, Err: err})
			return
		}
		if !ok {
			s.markSkipped(id)
			return
		}
	}

	s.status[id] = types.NodeStatusReady
	heap.Push(&s.ready, readyItem{priority: n.priority(), seq: n.seq, id: id})
}

// markSkipped resolves a node to skipped with a nil result and releases
// its dependents.
func (s *scheduler) markSkipped(id string) {
	s.status[id] = types.NodeStatusSkipped
	s.results[id] = nil
	s.rt.Bus.Emit(events.TaskSkipped, map[string]any{"node": id})

	// Under aggregate, a skip caused by an upstream failure cascades.
	cascade := s.policy == types.Aggregate && s.skipFlag[id]
	for _, dep := range s.sortedDownstream(id) {
		if cascade {
			s.skipFlag[dep] = true
		}
		s.remaining[dep]--
		if s.remaining[dep] == 0 {
			s.promoteOrComplete(dep)
		}
	}
}

// handleCompletion transitions a finished node and updates dependents.
func (s *scheduler) handleCompletion(done nodeDone) {
	s.running--

	if !s.aborting && s.runCtx.Err() != nil {
		// External cancellation of the run.
		s.aborting = true
		s.firstErr = s.runCtx.Err()
	}
	if s.aborting {
		// Drain: results of in-flight work are discarded.
		s.status[done.id] = types.NodeStatusCancelled
		return
	}

	if done.err != nil {
		s.handleFailure(done.id, done.err)
		return
	}

	s.status[done.id] = types.NodeStatusSucceeded
	s.results[done.id] = done.value
	s.releaseDependents(done.id)
}

// releaseDependents decrements dependent in-degrees after a node
// resolved, promoting or completing those with no remaining
// dependencies.
func (s *scheduler) releaseDependents(id string) {
	for _, dep := range s.sortedDownstream(id) {
		s.remaining[dep]--
		if s.remaining[dep] == 0 {
			s.promoteOrComplete(dep)
		}
	}
}

// promoteOrComplete routes a dependency-free node: an expanded barrier
// completes with its ordered child results, everything else promotes.
func (s *scheduler) promoteOrComplete(id string) {
	if s.skipFlag[id] {
		s.markSkipped(id)
		return
	}
	n := s.d.nodes[id]
	if n.kind == types.NodeKindFanOut {
		if children, expanded := s.barrierChildren[id]; expanded {
			s.completeBarrier(id, children)
			return
		}
	}
	s.promote(id)
}

func (s *scheduler) completeBarrier(id string, children []string) {
	// A failed child under continue leaves its sentinel in the list.
	out := make([]any, len(children))
	for i, cid := range children {
		out[i] = s.results[cid]
	}
	s.status[id] = types.NodeStatusSucceeded
	s.results[id] = out
	s.releaseDependents(id)
}

// expandBarrier materializes a fan-out's children once its source
// resolved: one child invocation per element, spliced between source and
// barrier, bounded by the max_dynamic_tasks guardrail.
func (s *scheduler) expandBarrier(n *dagNode) {
	f := n.fan
	s.status[f.id] = types.NodeStatusExpanding

	srcID := f.sourceID()
	srcVal := s.results[srcID]
	if failure, ok := IsFailure(srcVal); ok {
		s.handleFailure(f.id, &DynamicExpansionError{
			Barrier: f.id,
			Reason:  fmt.Sprintf("source %s failed: %v", srcID, failure.Err),
		})
		return
	}

	items, ok := asList(srcVal)
	if !ok {
		s.handleFailure(f.id, &DynamicExpansionError{
			Barrier: f.id,
			Reason:  fmt.Sprintf("source %s returned %T, want a finite collection", srcID, srcVal),
		})
		return
	}

	limit := s.rt.cfg.MaxDynamicTasks
	if limit > 0 && s.dynamicCount+len(items) > limit {
		s.handleFailure(f.id, &DynamicExpansionError{
			Barrier: f.id,
			Reason:  fmt.Sprintf("expansion of %d children exceeds max_dynamic_tasks=%d", len(items), limit),
		})
		return
	}

	if len(items) == 0 {
		s.barrierChildren[f.id] = nil
		s.completeBarrier(f.id, nil)
		return
	}

	// The barrier's dependency moves from the source to the children.
	delete(s.d.nodes[srcID].downstream, f.id)
	delete(s.d.nodes[f.id].upstream, srcID)

	children := make([]string, 0, len(items))
	for _, item := range items {
		child := s.b.register(f.child, []any{item})
		s.d.spliceChild(child, srcID, f.id)
		s.status[child.id] = types.NodeStatusPending
		s.remaining[child.id] = 0 // source already resolved
		children = append(children, child.id)
		s.dynamicCount++
	}
	s.barrierChildren[f.id] = children
	s.remaining[f.id] = len(children)

	for _, cid := range children {
		s.promote(cid)
	}
}

// handleFailure applies the failure policy to a terminally failed node.
func (s *scheduler) handleFailure(id string, err error) {
	s.status[id] = types.NodeStatusFailed
	s.failures = append(s.failures, nodeFailure{seq: s.d.nodes[id].seq, err: err})

	switch s.policy {
	case types.Continue:
		// Dependents still run; they receive the failure sentinel.
		s.results[id] = &TaskFailure{Node: id, Err: err}
		s.releaseDependents(id)

	case types.Aggregate:
		for _, dep := range s.sortedDownstream(id) {
			s.skipFlag[dep] = true
			s.remaining[dep]--
			if s.remaining[dep] == 0 {
				s.promoteOrComplete(dep)
			}
		}

	default: // fail_fast
		s.firstErr = err
		s.aborting = true
		s.cancel()
	}
}

// finalize settles leftover node states and picks the run outcome.
func (s *scheduler) finalize() (map[string]any, error) {
	if s.aborting {
		for id, st := range s.status {
			if !st.Terminal() {
				s.status[id] = types.NodeStatusCancelled
			}
		}
		return nil, s.firstErr
	}

	for id, st := range s.status {
		if !st.Terminal() {
			return nil, fmt.Errorf("scheduler invariant violation: node %s finished run in state %s", id, st)
		}
	}

	if len(s.failures) > 0 {
		sort.Slice(s.failures, func(i, j int) bool { return s.failures[i].seq < s.failures[j].seq })
		errs := make([]error, len(s.failures))
		for i, f := range s.failures {
			errs[i] = f.err
		}
		return nil, &AggregateTaskError{Errors: errs}
	}
	return s.results, nil
}

// report snapshots per-node outcomes for callers that want them.
func (s *scheduler) report() *RunReport {
	statuses := make(map[string]types.NodeStatus, len(s.status))
	for id, st := range s.status {
		statuses[id] = st
	}
	var errs []error
	sort.Slice(s.failures, func(i, j int) bool { return s.failures[i].seq < s.failures[j].seq })
	for _, f := range s.failures {
		errs = append(errs, f.err)
	}
	return &RunReport{NodeStatus: statuses, Failures: errs, Graph: s.d.export()}
}

// sortedDownstream returns a node's dependents in declaration order so
// promotion is deterministic.
func (s *scheduler) sortedDownstream(id string) []string {
	out := make([]string, 0, len(s.d.nodes[id].downstream))
	for dep := range s.d.nodes[id].downstream {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.d.nodes[out[i]].seq < s.d.nodes[out[j]].seq
	})
	return out
}

// resolveArgs substitutes completed upstream values into an invocation's
// bindings.
func (s *scheduler) resolveArgs(inv *Invocation) []any {
	out := make([]any, len(inv.args))
	for i, v := range inv.args {
		out[i] = s.resolveValue(v)
	}
	return out
}

func (s *scheduler) resolveValue(v types.Value) any {
	switch v.Kind {
	case types.KindRef:
		return s.results[v.Ref]
	case types.KindFanOutRef:
		return s.results[v.FanOut]
	case types.KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = s.resolveValue(e)
		}
		return out
	case types.KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = s.resolveValue(e)
		}
		return out
	default:
		return v.Literal
	}
}

// asList coerces a fan-out source result into an ordered element slice.
func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}
