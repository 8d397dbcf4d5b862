package autoflow

import (
	"sync"
	"time"

	"github.com/flexinfer/autoflow/artifact"
	"github.com/flexinfer/autoflow/cache"
	"github.com/flexinfer/autoflow/events"
	"github.com/flexinfer/autoflow/metrics"
)

// testRuntime builds an isolated runtime on memory backends with its own
// bus and metrics so tests never share state.
func testRuntime() *Runtime {
	return NewRuntime(
		WithBus(events.NewBus()),
		WithMetrics(metrics.NewInMemory()),
		WithCache(cache.NewMemory(0)),
		WithArtifactStore(artifact.NewMemory()),
	)
}

// eventLog records emitted events with timestamps.
type eventLog struct {
	mu      sync.Mutex
	entries []eventEntry
}

type eventEntry struct {
	name    string
	payload map[string]any
	at      time.Time
}

func recordEvents(bus *events.Bus, names ...string) *eventLog {
	log := &eventLog{}
	for _, name := range names {
		name := name
		bus.Subscribe(name, func(payload map[string]any) {
			log.mu.Lock()
			log.entries = append(log.entries, eventEntry{name: name, payload: payload, at: time.Now()})
			log.mu.Unlock()
		})
	}
	return log
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.name == name {
			n++
		}
	}
	return n
}

func (l *eventLog) times(name string) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []time.Time
	for _, e := range l.entries {
		if e.name == name {
			out = append(out, e.at)
		}
	}
	return out
}

// sumInts adds up the ints in a resolved []any argument.
func sumInts(v any) int {
	total := 0
	for _, item := range v.([]any) {
		total += item.(int)
	}
	return total
}
