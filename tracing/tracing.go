// Package tracing defines the swappable tracer used by the engine.
//
// The core opens a span around every flow run and every task dispatch.
// The default tracer is a no-op; an OpenTelemetry implementation is
// provided for real export.
package tracing

import (
	"context"
	"sync"
)

// Span is a scoped unit of traced work.
type Span interface {
	// RecordError marks the span as failed.
	RecordError(err error)
	// End closes the span.
	End()
}

// Tracer opens spans.
type Tracer interface {
	Start(ctx context.Context, name string, attrs map[string]any) (context.Context, Span)
}

// Noop is a tracer that does nothing.
type Noop struct{}

type noopSpan struct{}

func (noopSpan) RecordError(error) {}
func (noopSpan) End()              {}

// Start returns ctx unchanged and an inert span.
func (Noop) Start(ctx context.Context, _ string, _ map[string]any) (context.Context, Span) {
	return ctx, noopSpan{}
}

// RecordedSpan is one span captured by a Recorder.
type RecordedSpan struct {
	Name  string
	Attrs map[string]any
	Err   error
	Done  bool
}

// Recorder captures spans in memory; test helper.
type Recorder struct {
	mu    sync.Mutex
	spans []*RecordedSpan
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

type recorderSpan struct {
	r *Recorder
	s *RecordedSpan
}

func (rs *recorderSpan) RecordError(err error) {
	rs.r.mu.Lock()
	rs.s.Err = err
	rs.r.mu.Unlock()
}

func (rs *recorderSpan) End() {
	rs.r.mu.Lock()
	rs.s.Done = true
	rs.r.mu.Unlock()
}

// Start records a span.
func (r *Recorder) Start(ctx context.Context, name string, attrs map[string]any) (context.Context, Span) {
	s := &RecordedSpan{Name: name, Attrs: attrs}
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
	return ctx, &recorderSpan{r: r, s: s}
}

// Spans returns the captured spans in start order.
func (r *Recorder) Spans() []*RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RecordedSpan, len(r.spans))
	copy(out, r.spans)
	return out
}
