// Package metrics provides an optional Prometheus collector that
// observes the named-event contract (pkg/events) and turns it into
// hit/miss/error/timeout, connect/close, and auto-discovery counters. It is never
// required: a Cluster works fully without one attached, mirroring how
// the sibling example client's disableMemcachedDiagnostic flag makes
// the equivalent instrumentation optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachemir/memcache/pkg/events"
)

// Collector registers a handful of counters against a
// prometheus.Registerer and subscribes to an events.Emitter to keep
// them current.
type Collector struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	connects    *prometheus.CounterVec
	closes      *prometheus.CounterVec
	discoveries prometheus.Counter

	sub *events.Subscription
}

// NewCollector builds and registers the collector's metrics against
// reg. Call Attach to start consuming events from an emitter.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_hits_total",
			Help: "Number of cache hits observed, labeled by node.",
		}, []string{"node"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_misses_total",
			Help: "Number of cache misses observed, labeled by node.",
		}, []string{"node"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_errors_total",
			Help: "Number of node-level errors observed, labeled by node.",
		}, []string{"node"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_timeouts_total",
			Help: "Number of inactivity timeouts observed, labeled by node.",
		}, []string{"node"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_connects_total",
			Help: "Number of successful node connects observed, labeled by node.",
		}, []string{"node"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcache_client_closes_total",
			Help: "Number of node close events observed, labeled by node.",
		}, []string{"node"}),
		discoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcache_client_autodiscover_updates_total",
			Help: "Number of auto-discovery topology updates applied.",
		}),
	}

	reg.MustRegister(c.hits, c.misses, c.errorsTotal, c.timeouts, c.connects, c.closes, c.discoveries)
	return c
}

// Attach subscribes the collector to emit's event stream and starts a
// goroutine translating events into metric updates until Detach is
// called.
func (c *Collector) Attach(emit *events.Emitter) {
	c.sub = emit.Subscribe(256)
	go func() {
		for ev := range c.sub.C() {
			c.observe(ev)
		}
	}()
}

// Detach stops consuming events.
func (c *Collector) Detach() {
	if c.sub != nil {
		c.sub.Cancel()
	}
}

func (c *Collector) observe(ev events.Event) {
	switch ev.Kind {
	case events.Hit:
		c.hits.WithLabelValues(ev.NodeID).Inc()
	case events.Miss:
		c.misses.WithLabelValues(ev.NodeID).Inc()
	case events.Error:
		c.errorsTotal.WithLabelValues(ev.NodeID).Inc()
	case events.Timeout:
		c.timeouts.WithLabelValues(ev.NodeID).Inc()
	case events.Connect:
		c.connects.WithLabelValues(ev.NodeID).Inc()
	case events.Close:
		c.closes.WithLabelValues(ev.NodeID).Inc()
	case events.AutoDiscoverUpdate:
		c.discoveries.Inc()
	}
}
