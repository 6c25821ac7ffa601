package metrics

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the injected metrics sink shared by every pipeline stage.
// Counters and gauges are plain atomics keyed by component and name, cheap
// enough to bump on the hot path; each is mirrored into a Prometheus
// collector for scraping. The health monitor works off Snapshot(), an
// eventually-consistent copy, never the live values.
type Registry struct {
	pipeline string

	counters sync.Map // "component.name" -> *atomic.Int64
	gauges   sync.Map // "component.name" -> *atomic.Uint64 (float64 bits)

	promCounters *prometheus.CounterVec
	promGauges   *prometheus.GaugeVec
}

// New creates a registry and registers its collectors. A nil registerer
// keeps the registry scrape-free, which the tests use.
func New(pipeline string, reg prometheus.Registerer) *Registry {
	r := &Registry{
		pipeline: pipeline,
		promCounters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamcore",
			Name:        "events_total",
			Help:        "Per-component event counters.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
		}, []string{"component", "name"}),
		promGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "streamcore",
			Name:        "gauge",
			Help:        "Per-component gauges.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
		}, []string{"component", "name"}),
	}
	if reg != nil {
		reg.MustRegister(r.promCounters, r.promGauges)
	}
	return r
}

func key(component, name string) string { return component + "." + name }

// Inc bumps a counter by one.
func (r *Registry) Inc(component, name string) {
	r.Add(component, name, 1)
}

// Add bumps a counter by n.
func (r *Registry) Add(component, name string, n int64) {
	v, ok := r.counters.Load(key(component, name))
	if !ok {
		v, _ = r.counters.LoadOrStore(key(component, name), new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(n)
	r.promCounters.WithLabelValues(component, name).Add(float64(n))
}

// SetGauge records the current value of a gauge.
func (r *Registry) SetGauge(component, name string, value float64) {
	v, ok := r.gauges.Load(key(component, name))
	if !ok {
		v, _ = r.gauges.LoadOrStore(key(component, name), new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Store(math.Float64bits(value))
	r.promGauges.WithLabelValues(component, name).Set(value)
}

// Counter returns the current value of a counter, zero if never bumped.
func (r *Registry) Counter(component, name string) int64 {
	if v, ok := r.counters.Load(key(component, name)); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Gauge returns the current value of a gauge, zero if never set.
func (r *Registry) Gauge(component, name string) float64 {
	if v, ok := r.gauges.Load(key(component, name)); ok {
		return math.Float64frombits(v.(*atomic.Uint64).Load())
	}
	return 0
}

// Snapshot copies every counter and gauge into a flat map keyed
// "component.name". Counters and gauges share the namespace; counter values
// are monotonic so consumers can diff successive snapshots.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	r.counters.Range(func(k, v any) bool {
		out[k.(string)] = float64(v.(*atomic.Int64).Load())
		return true
	})
	r.gauges.Range(func(k, v any) bool {
		out[k.(string)] = math.Float64frombits(v.(*atomic.Uint64).Load())
		return true
	})
	return out
}
