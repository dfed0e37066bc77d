package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aperritano/Nutella/errors"
)

// Transport kinds.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
	TransportP2P  = "p2p"
)

// Request id generators.
const (
	IDGeneratorRandom  = "random"
	IDGeneratorCounter = "counter"
)

// Config is the complete configuration of a Nutella component.
type Config struct {
	Nutella   NutellaConfig   `json:"nutella" yaml:"nutella" toml:"nutella"`
	Transport TransportConfig `json:"transport" yaml:"transport" toml:"transport"`
	Engine    EngineConfig    `json:"engine" yaml:"engine" toml:"engine"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tap       TapConfig       `json:"tap" yaml:"tap" toml:"tap"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
}

// NutellaConfig names the broker and the run namespace the component joins.
type NutellaConfig struct {
	Broker      string `json:"broker" yaml:"broker" toml:"broker"`
	AppID       string `json:"app_id" yaml:"app_id" toml:"app_id"`
	RunID       string `json:"run_id" yaml:"run_id" toml:"run_id"`
	ComponentID string `json:"component_id,omitempty" yaml:"component_id,omitempty" toml:"component_id,omitempty"`
	Root        string `json:"root,omitempty" yaml:"root,omitempty" toml:"root,omitempty"`
}

// TransportConfig selects and tunes the pub/sub transport.
type TransportConfig struct {
	Kind           string   `json:"kind" yaml:"kind" toml:"kind"`
	Timeout        Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	ReconnectDelay Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty" toml:"reconnect_delay,omitempty"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty" toml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`

	// NATS circuit breaker.
	CircuitBreakerThreshold int `json:"circuit_breaker_threshold,omitempty" yaml:"circuit_breaker_threshold,omitempty" toml:"circuit_breaker_threshold,omitempty"`

	// NATS client TLS. Any of the three enables TLS.
	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty" toml:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key,omitempty" toml:"tls_key,omitempty"`
	TLSCA   string `json:"tls_ca,omitempty" yaml:"tls_ca,omitempty" toml:"tls_ca,omitempty"`

	// libp2p only.
	ListenAddrs []string `json:"listen_addrs,omitempty" yaml:"listen_addrs,omitempty" toml:"listen_addrs,omitempty"`
	Bootstrap   []string `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty" toml:"bootstrap,omitempty"`
	Rendezvous  string   `json:"rendezvous,omitempty" yaml:"rendezvous,omitempty" toml:"rendezvous,omitempty"`
}

// EngineConfig tunes the protocol engine.
type EngineConfig struct {
	ReadyTimeout  Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
	RequestExpiry Duration `json:"request_expiry,omitempty" yaml:"request_expiry,omitempty" toml:"request_expiry,omitempty"`
	IDGenerator   string   `json:"id_generator" yaml:"id_generator" toml:"id_generator"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Port    int    `json:"port" yaml:"port" toml:"port"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// TapConfig controls the WebSocket monitor.
type TapConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Port     int      `json:"port" yaml:"port" toml:"port"`
	Path     string   `json:"path" yaml:"path" toml:"path"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty" toml:"channels,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Default returns the configuration every layer is applied on top of.
func Default() *Config {
	return &Config{
		Nutella: NutellaConfig{
			Broker: "localhost",
			Root:   "nutella",
		},
		Transport: TransportConfig{
			Kind:                    TransportMQTT,
			Timeout:                 Duration(5 * time.Second),
			ReconnectDelay:          Duration(time.Second),
			CircuitBreakerThreshold: 5,
		},
		Engine: EngineConfig{
			ReadyTimeout: Duration(10 * time.Second),
			QueueSize:    1000,
			IDGenerator:  IDGeneratorRandom,
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
		Tap:     TapConfig{Port: 8082, Path: "/tap"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// EnsureComponentID fills in a random component id when none is configured.
func (c *Config) EnsureComponentID() {
	if strings.TrimSpace(c.Nutella.ComponentID) == "" {
		c.Nutella.ComponentID = uuid.NewString()
	}
}

// Validate checks the configuration. Errors are fatal and wrap ErrInvalidConfig
// or, for a missing app or run id, ErrNamespaceIncomplete.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapFatal(
			fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	if c.Nutella.AppID == "" || c.Nutella.RunID == "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: nutella.app_id and nutella.run_id are required", errors.ErrNamespaceIncomplete),
			"Config", "Validate", "validate configuration")
	}
	for name, v := range map[string]string{
		"nutella.app_id": c.Nutella.AppID,
		"nutella.run_id": c.Nutella.RunID,
		"nutella.root":   c.Nutella.Root,
	} {
		if strings.ContainsAny(v, "/#+") {
			return invalid("%s %q must not contain '/', '#' or '+'", name, v)
		}
	}
	if c.Nutella.Root == "" {
		return invalid("nutella.root is required")
	}

	switch c.Transport.Kind {
	case TransportMQTT, TransportNATS:
		if c.Nutella.Broker == "" {
			return invalid("nutella.broker is required for the %s transport", c.Transport.Kind)
		}
	case TransportP2P:
	default:
		return invalid("transport.kind %q must be mqtt, nats or p2p", c.Transport.Kind)
	}
	if c.Transport.Timeout < 0 || c.Transport.ReconnectDelay < 0 {
		return invalid("transport durations must not be negative")
	}
	if c.Transport.CircuitBreakerThreshold < 0 {
		return invalid("transport.circuit_breaker_threshold must not be negative")
	}
	if (c.Transport.TLSCert == "") != (c.Transport.TLSKey == "") {
		return invalid("transport.tls_cert and transport.tls_key must be set together")
	}

	if c.Engine.ReadyTimeout <= 0 {
		return invalid("engine.ready_timeout must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		return invalid("engine.queue_size must be positive")
	}
	if c.Engine.RequestExpiry < 0 {
		return invalid("engine.request_expiry must not be negative")
	}
	switch c.Engine.IDGenerator {
	case IDGeneratorRandom, IDGeneratorCounter:
	default:
		return invalid("engine.id_generator %q must be random or counter", c.Engine.IDGenerator)
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return invalid("%v", err)
		}
	}
	if c.Tap.Enabled {
		if err := validatePort("tap.port", c.Tap.Port); err != nil {
			return invalid("%v", err)
		}
		if c.Metrics.Enabled && c.Metrics.Port == c.Tap.Port {
			return invalid("metrics.port and tap.port must differ")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Transport.Password != "" {
		masked.Transport.Password = "****"
	}
	if masked.Transport.Token != "" {
		masked.Transport.Token = "****"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}
