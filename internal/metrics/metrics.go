package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the operation-timing contract shared by the agent runtime and
// the team coordinator.
type Sink interface {
	RecordOperation(name string, d time.Duration)
}

// Prometheus exports operation timings on its own registry. Operation names
// of the form "scope.target" ("tool.search", "team.parallel") are split into
// the scope and target labels.
type Prometheus struct {
	registry   *prometheus.Registry
	duration   *prometheus.HistogramVec
	operations *prometheus.CounterVec
}

// NewPrometheus creates and registers the collectors.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry: registry,
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "crew",
				Name:      "operation_duration_seconds",
				Help:      "Duration of runtime and coordinator operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scope", "target"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "crew",
				Name:      "operations_total",
				Help:      "Total number of recorded operations",
			},
			[]string{"scope", "target"},
		),
	}
	registry.MustRegister(p.duration, p.operations)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return p
}

// RecordOperation implements Sink.
func (p *Prometheus) RecordOperation(name string, d time.Duration) {
	scope, target := splitName(name)
	p.duration.WithLabelValues(scope, target).Observe(d.Seconds())
	p.operations.WithLabelValues(scope, target).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func splitName(name string) (string, string) {
	scope, target, ok := strings.Cut(name, ".")
	if !ok {
		return name, ""
	}
	return scope, target
}

// Stat aggregates the samples of one operation.
type Stat struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Recorder keeps per-operation aggregates in memory.
type Recorder struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]*Stat)}
}

// RecordOperation implements Sink.
func (r *Recorder) RecordOperation(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		s = &Stat{}
		r.stats[name] = s
	}
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
}

// Get returns a copy of the aggregate for name.
func (r *Recorder) Get(name string) (Stat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return Stat{}, false
	}
	return *s, true
}

// Names lists the recorded operation names, sorted.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stats))
	for n := range r.stats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies all aggregates.
func (r *Recorder) Snapshot() map[string]Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stat, len(r.stats))
	for n, s := range r.stats {
		out[n] = *s
	}
	return out
}

// Multi forwards every sample to each sink in order. Nil entries are skipped.
type Multi []Sink

func (m Multi) RecordOperation(name string, d time.Duration) {
	for _, s := range m {
		if s != nil {
			s.RecordOperation(name, d)
		}
	}
}
