package autoflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/autoflow/events"
	"github.com/flexinfer/autoflow/pkg/types"
)

// BuildFunc is a flow body: it wires task calls through the Build and
// returns the structure whose placeholders become the run result.
type BuildFunc func(b *Build) (any, error)

// Flow composes tasks into a DAG and runs it.
type Flow struct {
	name    string
	build   BuildFunc
	runtime *Runtime

	schemaJSON    string
	schemaOnce    sync.Once
	paramsSchema  *jsonschema.Schema
	schemaCompile error
}

// FlowOption configures a flow at declaration time.
type FlowOption func(*Flow)

// WithParamsSchema attaches a JSON schema that run parameters must
// satisfy; Run and the CLI validate before building the DAG.
func WithParamsSchema(schemaJSON string) FlowOption {
	return func(f *Flow) { f.schemaJSON = schemaJSON }
}

// WithFlowRuntime pins the flow to an explicit runtime instead of the
// process-wide default.
func WithFlowRuntime(rt *Runtime) FlowOption {
	return func(f *Flow) { f.runtime = rt }
}

// NewFlow declares a flow and registers it process-wide under its name.
func NewFlow(name string, build BuildFunc, opts ...FlowOption) *Flow {
	f := &Flow{name: name, build: build}
	for _, opt := range opts {
		opt(f)
	}
	RegisterFlow(f)
	return f
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.name }

// RunOptions configures one execution of a flow.
type RunOptions struct {
	Params         map[string]any
	FailurePolicy  types.FailurePolicy // default fail_fast
	MaxConcurrency int                 // 0 = unbounded
	Runtime        *Runtime            // overrides the flow's runtime
}

// Run builds the DAG and executes it to completion, returning the flow
// body's structure with placeholders replaced by task results.
func (f *Flow) Run(ctx context.Context, opts RunOptions) (any, error) {
	value, _, err := f.RunWithReport(ctx, opts)
	return value, err
}

// RunWithReport is Run plus a per-node outcome report.
func (f *Flow) RunWithReport(ctx context.Context, opts RunOptions) (any, *RunReport, error) {
	rt := f.pickRuntime(opts.Runtime)

	policy := opts.FailurePolicy
	if policy == "" {
		policy = types.FailFast
	}
	if _, ok := types.ParseFailurePolicy(string(policy)); !ok {
		return nil, nil, fmt.Errorf("unknown failure policy %q", policy)
	}
	if opts.MaxConcurrency < 0 {
		return nil, nil, fmt.Errorf("max concurrency must be positive, got %d", opts.MaxConcurrency)
	}

	params := opts.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := f.validateParams(params); err != nil {
		return nil, nil, err
	}

	rc := &RunContext{
		RunID:     uuid.New().String(),
		FlowName:  f.name,
		Params:    params,
		StartedAt: time.Now(),
	}

	runCtx, cancel := context.WithCancel(withRunContext(ctx, rc))
	defer cancel()

	rt.Bus.Emit(events.FlowStarted, map[string]any{"flow": f.name, "run_id": rc.RunID})
	spanCtx, span := rt.Tracer.Start(runCtx, "flow:"+f.name, map[string]any{"run_id": rc.RunID})
	defer span.End()

	b := newBuild(params)
	structure, err := f.callBuild(b)
	if err != nil {
		span.RecordError(err)
		return nil, nil, &FlowBuildError{Flow: f.name, Err: err}
	}

	d, err := buildDAG(f.name, structure, b)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	if len(d.nodes) == 0 {
		// Trivial flow: no tasks were wired, return the structure as-is.
		rt.Bus.Emit(events.FlowCompleted, map[string]any{"flow": f.name, "run_id": rc.RunID, "tasks": 0})
		return structure, &RunReport{NodeStatus: map[string]types.NodeStatus{}}, nil
	}

	sched := newScheduler(rt, d, b, rc, policy, opts.MaxConcurrency, spanCtx, cancel)
	results, runErr := sched.run()
	report := sched.report()

	rt.Bus.Emit(events.FlowCompleted, map[string]any{
		"flow":   f.name,
		"run_id": rc.RunID,
		"tasks":  len(d.nodes),
	})

	if runErr != nil {
		span.RecordError(runErr)
		return nil, report, runErr
	}
	return substituteResults(structure, results), report, nil
}

func (f *Flow) pickRuntime(override *Runtime) *Runtime {
	if override != nil {
		return override
	}
	if f.runtime != nil {
		return f.runtime
	}
	return DefaultRuntime()
}

func (f *Flow) validateParams(params map[string]any) error {
	if f.schemaJSON == "" {
		return nil
	}
	f.schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("params.json", strings.NewReader(f.schemaJSON)); err != nil {
			f.schemaCompile = fmt.Errorf("add params schema: %w", err)
			return
		}
		schema, err := compiler.Compile("params.json")
		if err != nil {
			f.schemaCompile = fmt.Errorf("compile params schema: %w", err)
			return
		}
		f.paramsSchema = schema
	})
	if f.schemaCompile != nil {
		return f.schemaCompile
	}

	// Round-trip through the JSON codec so validation sees the same
	// shapes the wire format would carry.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("params not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("params not serializable: %w", err)
	}
	if err := f.paramsSchema.Validate(doc); err != nil {
		return fmt.Errorf("params rejected by schema: %w", err)
	}
	return nil
}

// Describe builds the DAG without executing anything and returns the
// stable adjacency JSON.
func (f *Flow) Describe(params map[string]any) (*types.GraphExport, error) {
	d, err := f.buildOnly(params)
	if err != nil {
		return nil, err
	}
	return d.export(), nil
}

// ExportGraph is Describe under its export-family name.
func (f *Flow) ExportGraph(params map[string]any) (*types.GraphExport, error) {
	return f.Describe(params)
}

// ExportDOT renders the DAG in DOT form without executing anything.
func (f *Flow) ExportDOT(params map[string]any) (string, error) {
	d, err := f.buildOnly(params)
	if err != nil {
		return "", err
	}
	return d.exportDOT(), nil
}

func (f *Flow) buildOnly(params map[string]any) (*dag, error) {
	if params == nil {
		params = map[string]any{}
	}
	b := newBuild(params)
	structure, err := f.callBuild(b)
	if err != nil {
		return nil, &FlowBuildError{Flow: f.name, Err: err}
	}
	return buildDAG(f.name, structure, b)
}

// callBuild runs the flow body, converting a panic (a malformed fan-out,
// a bad type assertion in user wiring) into a build error.
func (f *Flow) callBuild(b *Build) (structure any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow body panicked: %v", r)
		}
	}()
	return f.build(b)
}

// substituteResults replaces every placeholder in the flow body's return
// structure with its run result.
func substituteResults(v any, results map[string]any) any {
	switch t := v.(type) {
	case nil, string, []byte:
		return v
	case *Invocation:
		return results[t.id]
	case *FanOut:
		return results[t.id]
	case []*Invocation:
		out := make([]any, len(t))
		for i, inv := range t {
			out[i] = results[inv.id]
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = substituteResults(rv.Index(i).Interface(), results)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = substituteResults(iter.Value().Interface(), results)
		}
		return out
	}
	return v
}
