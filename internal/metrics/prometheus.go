// Package metrics provides Prometheus-backed metrics for the protocol
// driver core, built on prometheus/client_golang the way
// observability/metrics.go and eval/telemetry/prometheus.go wire it in the
// wider driver/eval pack this module draws from.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector collects driver call metrics and exposes them through a
// private Prometheus registry. Each Collector owns its own *prometheus.Registry
// rather than registering against prometheus.DefaultRegisterer, so that
// multiple drivers (and multiple tests) in the same process never collide
// on duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	callErrorsTotal *prometheus.CounterVec
	pendingWaiters  *prometheus.GaugeVec
}

// NewCollector creates a new metrics Collector backed by its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "driver",
			Name:      "calls_total",
			Help:      "Total number of driver calls issued",
		}, []string{"driver_id", "method"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "driver",
			Name:      "call_duration_seconds",
			Help:      "Duration of driver calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"driver_id", "method"}),
		callErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "driver",
			Name:      "call_errors_total",
			Help:      "Total number of driver calls that failed",
		}, []string{"driver_id", "method"}),
		pendingWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "driver",
			Name:      "pending_waiters",
			Help:      "Number of calls currently awaiting a reply",
		}, []string{"driver_id"}),
	}

	registry.MustRegister(c.callsTotal, c.callDuration, c.callErrorsTotal, c.pendingWaiters)
	return c
}

// RecordCall records a completed Call/Ping and its duration.
func (c *Collector) RecordCall(driverID, method string, durationSeconds float64, failed bool) {
	c.callsTotal.WithLabelValues(driverID, method).Inc()
	c.callDuration.WithLabelValues(driverID, method).Observe(durationSeconds)
	if failed {
		c.callErrorsTotal.WithLabelValues(driverID, method).Inc()
	}
}

// IncPendingWaiters adjusts the in-flight call gauge for a driver. delta is
// typically +1 when a Call is issued and -1 when it settles.
func (c *Collector) IncPendingWaiters(driverID string, delta int) {
	c.pendingWaiters.WithLabelValues(driverID).Add(float64(delta))
}

// Registry returns the collector's private Prometheus registry, for
// mounting under promhttp.HandlerFor in a server binary.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Expose renders the collector's current state in Prometheus text
// exposition format. Production servers should prefer promhttp.HandlerFor
// against Registry(); Expose exists for tests and for tooling that wants
// the text form in-process without standing up an HTTP handler.
func (c *Collector) Expose() string {
	families, err := c.registry.Gather()
	if err != nil {
		return ""
	}
	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return sb.String()
		}
	}
	return sb.String()
}
