package main

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/aperritano/Nutella/config"
	"github.com/aperritano/Nutella/correlation"
	"github.com/aperritano/Nutella/engine"
	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/mqttclient"
	"github.com/aperritano/Nutella/natsclient"
	"github.com/aperritano/Nutella/p2pclient"
	"github.com/aperritano/Nutella/transport"
)

const defaultNATSPort = "4222"

// newTransport builds the transport selected by cfg.Transport.Kind.
func newTransport(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportMQTT:
		opts := []mqttclient.Option{
			mqttclient.WithTimeout(tc.Timeout.Std()),
			mqttclient.WithLogger(logger),
			mqttclient.WithMetrics(registry),
		}
		if tc.Username != "" {
			opts = append(opts, mqttclient.WithCredentials(tc.Username, tc.Password))
		}
		return mqttclient.NewClient(cfg.Nutella.Broker, opts...)

	case config.TransportNATS:
		opts := []natsclient.ClientOption{
			natsclient.WithName(appName + "-" + cfg.Nutella.ComponentID),
			natsclient.WithTimeout(tc.Timeout.Std()),
			natsclient.WithCircuitBreakerThreshold(int32(tc.CircuitBreakerThreshold)),
			natsclient.WithLogger(logger),
			natsclient.WithMetrics(registry),
		}
		switch {
		case tc.Token != "":
			opts = append(opts, natsclient.WithToken(tc.Token))
		case tc.Username != "":
			opts = append(opts, natsclient.WithCredentials(tc.Username, tc.Password))
		}
		if tc.TLSCert != "" || tc.TLSKey != "" || tc.TLSCA != "" {
			opts = append(opts, natsclient.WithTLS(tc.TLSCert, tc.TLSKey, tc.TLSCA))
		}
		return natsclient.NewClient(natsURL(cfg.Nutella.Broker), opts...)

	case config.TransportP2P:
		opts := []p2pclient.Option{
			p2pclient.WithLogger(logger),
			p2pclient.WithMetrics(registry),
		}
		if len(tc.ListenAddrs) > 0 {
			opts = append(opts, p2pclient.WithListenAddrs(tc.ListenAddrs...))
		}
		if len(tc.Bootstrap) > 0 {
			opts = append(opts, p2pclient.WithBootstrap(tc.Bootstrap...))
		}
		if tc.Rendezvous != "" {
			opts = append(opts, p2pclient.WithMDNS(tc.Rendezvous))
		}
		return p2pclient.NewClient(opts...)

	default:
		return nil, errors.WrapFatal(fmt.Errorf("%w: transport kind %q", errors.ErrInvalidConfig, tc.Kind),
			"main", "newTransport", "select transport")
	}
}

// natsURL turns a bare broker host into a NATS server URL.
func natsURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	if _, _, err := net.SplitHostPort(broker); err != nil {
		broker = net.JoinHostPort(broker, defaultNATSPort)
	}
	return "nats://" + broker
}

// engineOptions maps the engine section of cfg to engine options.
func engineOptions(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithReadyTimeout(cfg.Engine.ReadyTimeout.Std()),
		engine.WithReconnectDelay(cfg.Transport.ReconnectDelay.Std()),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithRequestExpiry(cfg.Engine.RequestExpiry.Std()),
		engine.WithMetrics(registry),
	}
	if cfg.Engine.IDGenerator == config.IDGeneratorCounter {
		opts = append(opts, engine.WithIDGenerator(correlation.NewCounter(1)))
	}
	return opts
}

func namespace(cfg *config.Config) engine.Namespace {
	return engine.Namespace{
		Root:        cfg.Nutella.Root,
		AppID:       cfg.Nutella.AppID,
		RunID:       cfg.Nutella.RunID,
		ComponentID: cfg.Nutella.ComponentID,
	}
}
