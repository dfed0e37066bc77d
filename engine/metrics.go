package engine

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
)

// engineMetrics holds Prometheus metrics for protocol traffic.
type engineMetrics struct {
	received       *prometheus.CounterVec // By message kind
	delivered      *prometheus.CounterVec // By callback: message, request, response
	discarded      *prometheus.CounterVec // By reason
	transportCalls *prometheus.CounterVec // By operation and status
	warnings       *prometheus.CounterVec // By warning

	subscriptions    prometheus.Gauge
	pendingRequests  prometheus.Gauge
	requestsIssued   prometheus.Counter
	requestsExpired  prometheus.Counter
	reconnects       prometheus.Counter
	dispatchDuration prometheus.Histogram

	core *metric.Metrics
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "messages_received_total",
			Help:      "Messages received from the transport, by envelope type",
		}, []string{"kind"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to the application, by callback",
		}, []string{"callback"}),

		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "messages_discarded_total",
			Help:      "Messages dropped before reaching the application",
		}, []string{"reason"}),

		transportCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "transport_calls_total",
			Help:      "Transport operations issued by the engine",
		}, []string{"operation", "status"}), // status: success, failure

		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "warnings_total",
			Help:      "Redundant interest operations that were ignored",
		}, []string{"warning"}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "subscriptions",
			Help:      "Physical subscriptions held on the current connection",
		}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		}),

		requestsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "requests_issued_total",
			Help:      "Requests sent",
		}),

		requestsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "requests_expired_total",
			Help:      "Pending requests dropped after the expiry age",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "reconnects_total",
			Help:      "Successful reconnections after a lost connection",
		}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nutella",
			Subsystem: "engine",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one inbound message",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		core: registry.CoreMetrics(),
	}

	if err := registry.RegisterCounterVec("engine", "messages_received", m.received); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "messages_delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "messages_discarded", m.discarded); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "transport_calls", m.transportCalls); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "warnings", m.warnings); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "subscriptions", m.subscriptions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "pending_requests", m.pendingRequests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "requests_issued", m.requestsIssued); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "requests_expired", m.requestsExpired); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "reconnects", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "dispatch_duration", m.dispatchDuration); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) recordReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *engineMetrics) recordDelivered(callback string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(callback).Inc()
}

func (m *engineMetrics) recordDiscarded(reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(reason).Inc()
}

// recordTransportCall records the outcome of a transport operation.
func (m *engineMetrics) recordTransportCall(operation string, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failure"
		m.core.RecordError("engine", operation)
	}
	m.transportCalls.WithLabelValues(operation, status).Inc()
}

func (m *engineMetrics) recordWarning(warning error) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(warningLabel(warning)).Inc()
}

func (m *engineMetrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *engineMetrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *engineMetrics) recordRequestIssued(pending int) {
	if m == nil {
		return
	}
	m.requestsIssued.Inc()
	m.pendingRequests.Set(float64(pending))
}

func (m *engineMetrics) recordExpired(n, pending int) {
	if m == nil {
		return
	}
	m.requestsExpired.Add(float64(n))
	m.pendingRequests.Set(float64(pending))
}

func (m *engineMetrics) recordConnected(connected bool) {
	if m == nil {
		return
	}
	m.core.RecordConnected("engine", connected)
}

func (m *engineMetrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
	m.core.RecordReconnect("engine")
}

func (m *engineMetrics) recordDispatch(start time.Time) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(time.Since(start).Seconds())
}

func (m *engineMetrics) recordHealth(healthy bool) {
	if m == nil {
		return
	}
	m.core.RecordHealthStatus("engine", healthy)
}

func warningLabel(warning error) string {
	switch {
	case stderrors.Is(warning, errors.ErrAlreadySubscribed):
		return "already_subscribed"
	case stderrors.Is(warning, errors.ErrNotSubscribed):
		return "not_subscribed"
	case stderrors.Is(warning, errors.ErrAlreadyHandling):
		return "already_handling"
	case stderrors.Is(warning, errors.ErrNotHandling):
		return "not_handling"
	case stderrors.Is(warning, errors.ErrAlreadyRequesting):
		return "already_requesting"
	case stderrors.Is(warning, errors.ErrNotRequesting):
		return "not_requesting"
	default:
		return "other"
	}
}
