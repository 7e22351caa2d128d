// Package prom adapts the hook pipeline's event taxonomy to Prometheus
// metrics, registered as a service-kind hook so it observes every
// command the same way a user-registered hook does, rather than through
// a bespoke metrics interface wired into the dispatcher directly. One
// counter per action, plus a latency histogram for fetch (the only
// command with a user-supplied loader on the hot path) and a size gauge
// refreshed on demand.
package prom

import (
	"context"

	"github.com/nsavage/keepcache/hooks"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter is a hooks.Hook that exports Prometheus metrics for every
// command observed by the pipeline. Safe for concurrent use; all
// Prometheus metric types are goroutine-safe.
type Adapter struct {
	commands    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	evictions   prometheus.Counter
	purges      prometheus.Counter
	fetchLoadMs prometheus.Histogram
	size        prometheus.Gauge
}

// New constructs a Prometheus metrics adapter and registers its
// collectors with reg (nil => prometheus.DefaultRegisterer).
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "commands_total",
			Help:        "Cache commands observed, by action",
			ConstLabels: constLabels,
		}, []string{"action"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "command_errors_total",
			Help:        "Cache commands that returned an error, by action",
			ConstLabels: constLabels,
		}, []string{"action"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Entries removed by clear events (eviction policy passes and explicit clears)",
			ConstLabels: constLabels,
		}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "purges_total",
			Help:        "Expired entries removed by purge events (janitor sweeps, explicit purges, lazy expiration)",
			ConstLabels: constLabels,
		}),
		fetchLoadMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "fetch_load_duration_ms",
			Help:        "Wall time of the loader call behind a fetch miss, including waits on a coalesced call",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries as of the last observed command",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.commands, a.errors, a.evictions, a.purges, a.fetchLoadMs, a.size)
	return a
}

// Handle implements hooks.Hook. Registered as a KindService hook, it
// receives both user commands and policy/janitor-originated clear/purge
// events.
func (a *Adapter) Handle(_ context.Context, evt hooks.Event) {
	switch evt.Action {
	case hooks.ActionClear:
		if n, ok := evt.Result.(int); ok {
			a.evictions.Add(float64(n))
		}
		return
	case hooks.ActionPurge:
		if n, ok := evt.Result.(int); ok {
			a.purges.Add(float64(n))
		}
		return
	case hooks.ActionSize:
		if n, ok := evt.Result.(int); ok {
			a.size.Set(float64(n))
		}
	case hooks.ActionFetch:
		if evt.Elapsed > 0 {
			a.fetchLoadMs.Observe(float64(evt.Elapsed.Microseconds()) / 1000)
		}
	}

	a.commands.WithLabelValues(string(evt.Action)).Inc()
	if evt.Err != nil {
		a.errors.WithLabelValues(string(evt.Action)).Inc()
	}
}
