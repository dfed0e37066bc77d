package tap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aperritano/Nutella/metric"
)

// tapMetrics holds Prometheus metrics for the tap server.
type tapMetrics struct {
	clientsConnected prometheus.Gauge
	connections      prometheus.Counter
	disconnections   prometheus.Counter
	framesSent       *prometheus.CounterVec // By frame type
	bytesSent        prometheus.Counter
	errors           *prometheus.CounterVec // By stage
}

func newTapMetrics(registry *metric.MetricsRegistry) (*tapMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &tapMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "clients_connected",
			Help:      "WebSocket clients currently connected",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "connections_total",
			Help:      "WebSocket clients accepted",
		}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "disconnections_total",
			Help:      "WebSocket clients removed",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "frames_sent_total",
			Help:      "Frames written to clients, by frame type",
		}, []string{"type"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "bytes_sent_total",
			Help:      "Frame bytes written to clients",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutella",
			Subsystem: "tap",
			Name:      "errors_total",
			Help:      "Tap errors, by stage",
		}, []string{"stage"}),
	}

	if err := registry.RegisterGauge("tap", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("tap", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("tap", "disconnections", m.disconnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("tap", "frames_sent", m.framesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("tap", "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("tap", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *tapMetrics) recordConnect(clients int) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *tapMetrics) recordDisconnect(clients int) {
	if m == nil {
		return
	}
	m.disconnections.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *tapMetrics) recordSent(frameType string, size int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(frameType).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *tapMetrics) recordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}
