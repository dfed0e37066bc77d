// Package metric provides the Prometheus registry shared by the engine and the
// transports, and an HTTP server exposing it.
//
// NewMetricsRegistry registers a small set of core metrics (connection state,
// reconnects, transport errors, circuit breaker state, health) plus the Go
// runtime and process collectors. Components register their own collectors
// through the MetricsRegistrar interface, keyed by component and metric name so
// that double registration is reported instead of panicking:
//
//	registry := metric.NewMetricsRegistry()
//	delivered := prometheus.NewCounterVec(opts, []string{"kind"})
//	if err := registry.RegisterCounterVec("engine", "delivered_total", delivered); err != nil {
//	    return err
//	}
//
// A nil *Metrics is valid; every Record method is a no-op on it, so components
// built without a registry need no special casing.
//
// Serving:
//
//	srv := metric.NewServer(9090, "/metrics", registry)
//	go srv.Start()
//	defer srv.Stop(ctx)
package metric
