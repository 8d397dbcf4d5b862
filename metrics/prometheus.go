package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus maps the engine's metric vocabulary onto Prometheus
// collectors registered with the given registerer.
type Prometheus struct {
	counters     map[string]prometheus.Counter
	taskDuration prometheus.Histogram
	other        *prometheus.CounterVec
}

// NewPrometheus creates a provider registered on reg (nil = default
// registerer).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	newCounter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autoflow",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		})
	}

	return &Prometheus{
		counters: map[string]prometheus.Counter{
			TasksSucceeded: newCounter(TasksSucceeded, "Total tasks that completed successfully"),
			TasksFailed:    newCounter(TasksFailed, "Total tasks that terminally failed"),
			CacheHits:      newCounter(CacheHits, "Total result cache hits"),
			CacheSets:      newCounter(CacheSets, "Total result cache stores"),
			DedupJoins:     newCounter(DedupJoins, "Total dispatches that joined an in-flight execution"),
		},
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autoflow",
			Subsystem: "engine",
			Name:      TaskDurationMS,
			Help:      "Task execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}),
		other: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoflow",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Increments outside the core metric vocabulary",
		}, []string{"name"}),
	}
}

// Inc adds value to the named counter.
func (p *Prometheus) Inc(name string, value float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(value)
		return
	}
	p.other.WithLabelValues(name).Add(value)
}

// Observe records a histogram sample.
func (p *Prometheus) Observe(name string, value float64) {
	if name == TaskDurationMS {
		p.taskDuration.Observe(value)
	}
}

// Serve exposes /metrics and /healthz on addr. It blocks until the server
// exits; callers usually run it in a goroutine.
func Serve(addr string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	slog.Info("metrics endpoint listening", "addr", addr)
	return srv.ListenAndServe()
}
