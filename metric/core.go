package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name exported by this module.
const Namespace = "nutella"

// Metrics holds the metrics shared by every transport implementation.
type Metrics struct {
	TransportConnected *prometheus.GaugeVec
	TransportReconnect *prometheus.CounterVec
	TransportErrors    *prometheus.CounterVec
	CircuitBreaker     *prometheus.GaugeVec
	HealthStatus       *prometheus.GaugeVec
}

// NewMetrics creates the core metrics. They are not registered anywhere.
func NewMetrics() *Metrics {
	return &Metrics{
		TransportConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
			[]string{"transport"},
		),

		TransportReconnect: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of transport reconnections",
			},
			[]string{"transport"},
		),

		TransportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "errors_total",
				Help:      "Transport operation failures",
			},
			[]string{"transport", "operation"},
		),

		CircuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "transport",
				Name:      "circuit_breaker",
				Help:      "Circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
			[]string{"transport"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.TransportConnected,
		c.TransportReconnect,
		c.TransportErrors,
		c.CircuitBreaker,
		c.HealthStatus,
	}
}

// RecordConnected updates the connection gauge of a transport.
func (c *Metrics) RecordConnected(transport string, connected bool) {
	if c == nil {
		return
	}
	c.TransportConnected.WithLabelValues(transport).Set(boolToFloat(connected))
}

// RecordReconnect counts a successful reconnection.
func (c *Metrics) RecordReconnect(transport string) {
	if c == nil {
		return
	}
	c.TransportReconnect.WithLabelValues(transport).Inc()
}

// RecordError counts a failed transport operation.
func (c *Metrics) RecordError(transport, operation string) {
	if c == nil {
		return
	}
	c.TransportErrors.WithLabelValues(transport, operation).Inc()
}

// RecordCircuitBreakerState updates the circuit breaker gauge.
func (c *Metrics) RecordCircuitBreakerState(transport string, state int) {
	if c == nil {
		return
	}
	c.CircuitBreaker.WithLabelValues(transport).Set(float64(state))
}

// RecordHealthStatus updates the health gauge of a component.
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	c.HealthStatus.WithLabelValues(component).Set(boolToFloat(healthy))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
