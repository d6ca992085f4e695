// Package metrics is htcore's single owned Prometheus registry (spec's
// design note: "Process-wide state, if adopted, lives in a single owned
// registry with explicit startup and shutdown" — as opposed to a package
// global bound to prometheus.DefaultRegisterer, which would make running
// two Servers in one process, e.g. in tests, collide on metric names).
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every metric htcore reports and the prometheus.Registry
// they're registered against. Construct one per Server with New and pass
// it in via htcore.WithMetrics; Gatherer exposes the underlying registry
// for wiring an HTTP exposition endpoint.
type Registry struct {
	reg *prometheus.Registry

	liveConnections prometheus.Gauge
	requestsServed  prometheus.Counter
	writeLatency    prometheus.Histogram

	live int64 // atomic mirror of liveConnections for lock-free reads from KeepAliveCounter.CurrentConnections
}

// New constructs and registers a fresh metric set. Each Registry owns an
// independent prometheus.Registry, so multiple Servers in one process
// never collide on metric name registration.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "htcore",
		Name:      "live_connections",
		Help:      "Number of connections currently open on this server.",
	})
	r.requestsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "htcore",
		Name:      "requests_served_total",
		Help:      "Number of requests whose response completed.",
	})
	r.writeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "htcore",
		Name:      "response_write_latency_seconds",
		Help:      "Time from writeResponse to done() for one request.",
		Buckets:   prometheus.DefBuckets,
	})

	r.reg.MustRegister(r.liveConnections, r.requestsServed, r.writeLatency)
	return r
}

// Registerer exposes the owned prometheus.Registry so a caller can
// register further collectors on it.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the owned registry for scraping, e.g. serving /metrics
// with promhttp.HandlerFor(reg.Gatherer(), ...).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ConnectionOpened is called once per accepted connection.
func (r *Registry) ConnectionOpened() {
	atomic.AddInt64(&r.live, 1)
	r.liveConnections.Inc()
}

// ConnectionClosed is called once per connection reaching Closed.
func (r *Registry) ConnectionClosed() {
	atomic.AddInt64(&r.live, -1)
	r.liveConnections.Dec()
}

// CurrentConnections implements htcore.KeepAliveCounter: a lock-free
// snapshot read backing the advertised Keep-Alive: max= computation.
func (r *Registry) CurrentConnections() int {
	return int(atomic.LoadInt64(&r.live))
}

// RequestServed increments the completed-request counter.
func (r *Registry) RequestServed() {
	r.requestsServed.Inc()
}

// ObserveWriteLatency records the writeResponse→done() duration for one
// request.
func (r *Registry) ObserveWriteLatency(d time.Duration) {
	r.writeLatency.Observe(d.Seconds())
}
