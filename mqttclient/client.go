// Package mqttclient implements transport.Transport on an MQTT broker with the
// Eclipse Paho client.
//
// Messages use QoS 0 on a clean session, so delivery is at-most-once and the
// broker keeps nothing for the client between connections. Paho's automatic
// reconnect is disabled: a lost connection is reported to the listener and the
// engine's recovery reconnects and resubscribes.
package mqttclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/transport"
)

const (
	transportName = "mqtt"
	// DefaultPort is the plain MQTT port used when the broker address has none.
	DefaultPort = "1883"

	qosAtMostOnce byte = 0
)

// Client is a transport.Transport over MQTT.
type Client struct {
	broker    string
	clientID  string
	username  string
	password  string
	timeout   time.Duration
	keepAlive time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	client   mqtt.Client
	listener transport.Listener
	topics   *transport.SubscriptionSet
	closed   atomic.Bool
}

var _ transport.Transport = (*Client)(nil)

// Option configures a Client.
type Option func(*Client) error

// WithClientID sets the MQTT client id. By default a random id is generated.
func WithClientID(id string) Option {
	return func(c *Client) error {
		if id == "" {
			return fmt.Errorf("%w: empty client id", errors.ErrInvalidConfig)
		}
		c.clientID = id
		return nil
	}
}

// WithCredentials sets username and password.
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithTimeout bounds connect, subscribe and unsubscribe round trips.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive", errors.ErrInvalidConfig)
		}
		c.timeout = d
		return nil
	}
}

// WithKeepAlive sets the MQTT keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) error {
		c.keepAlive = d
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records connection state and failures in the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}

// NewClient creates a client for broker, given as "host", "host:port" or a
// URL such as "tcp://host:1883" or "ssl://host:8883".
func NewClient(broker string, opts ...Option) (*Client, error) {
	addr, err := BrokerURL(broker)
	if err != nil {
		return nil, err
	}
	c := &Client{
		broker:    addr,
		clientID:  "nutella-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		timeout:   5 * time.Second,
		keepAlive: 30 * time.Second,
		logger:    slog.Default(),
		listener:  transport.NopListener{},
		topics:    transport.NewSubscriptionSet(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("transport", transportName)
	return c, nil
}

// BrokerURL normalizes a broker address to scheme://host:port.
func BrokerURL(broker string) (string, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "Client", "BrokerURL", "parse empty broker")
	}
	scheme := "tcp"
	if i := strings.Index(broker, "://"); i >= 0 {
		scheme, broker = broker[:i], broker[i+3:]
	}
	broker = strings.TrimSuffix(broker, "/")
	if _, _, err := net.SplitHostPort(broker); err != nil {
		broker = net.JoinHostPort(broker, DefaultPort)
	}
	return scheme + "://" + broker, nil
}

// Broker returns the normalized broker URL.
func (c *Client) Broker() string { return c.broker }

// ClientID returns the MQTT client id.
func (c *Client) ClientID() string { return c.clientID }

// SetListener installs the event receiver.
func (c *Client) SetListener(l transport.Listener) {
	if l == nil {
		l = transport.NopListener{}
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Client) currentListener() transport.Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listener
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.timeout).
		SetKeepAlive(c.keepAlive).
		SetDefaultPublishHandler(c.handleMessage).
		SetConnectionLostHandler(c.handleConnectionLost)
	if c.username != "" {
		opts.SetUsername(c.username)
		opts.SetPassword(c.password)
	}
	return opts
}

// Connect connects to the broker. After a lost connection it dials again with
// a clean session.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "connect closed client")
	}
	if c.IsConnected() {
		return nil
	}

	client := mqtt.NewClient(c.options())
	c.logger.Info("Connecting to MQTT broker", "broker", c.broker, "client_id", c.clientID)

	if err := awaitToken(ctx, client.Connect(), c.timeout); err != nil {
		c.metrics.RecordError(transportName, "connect")
		return errors.WrapTransient(err, "Client", "Connect", "connect to "+c.broker)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.topics.Clear()

	c.metrics.RecordConnected(transportName, true)
	c.logger.Info("Connected to MQTT broker", "broker", c.broker)
	c.currentListener().OnConnected()
	return nil
}

// Close disconnects from the broker. The client cannot be reused.
func (c *Client) Close(_ context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	c.topics.Clear()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250)
	}
	c.metrics.RecordConnected(transportName, false)
	c.currentListener().OnConnectionClosed(nil)
	return nil
}

// IsConnected reports whether the connection is usable.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) connected() (mqtt.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || !c.client.IsConnectionOpen() {
		return nil, false
	}
	return c.client, true
}

// Subscribe subscribes to topic at QoS 0.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	client, ok := c.connected()
	if !ok {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "subscribe "+topic)
	}
	if err := awaitToken(ctx, client.Subscribe(topic, qosAtMostOnce, nil), c.timeout); err != nil {
		c.metrics.RecordError(transportName, "subscribe")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err), "Client", "Subscribe", "subscribe "+topic)
	}
	c.topics.Add(topic)
	c.logger.Debug("Subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes the subscription for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if !c.topics.Remove(topic) {
		return nil
	}
	client, ok := c.connected()
	if !ok {
		return nil
	}
	if err := awaitToken(ctx, client.Unsubscribe(topic), c.timeout); err != nil {
		c.metrics.RecordError(transportName, "unsubscribe")
		return errors.WrapTransient(err, "Client", "Unsubscribe", "unsubscribe "+topic)
	}
	c.logger.Debug("Unsubscribed", "topic", topic)
	return nil
}

// Publish sends data on topic at QoS 0. QoS 0 publishes complete once the
// packet is handed to the network.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if transport.IsWildcard(topic) || strings.Contains(topic, "+") {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Client", "Publish", "publish to wildcard "+topic)
	}
	client, ok := c.connected()
	if !ok {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish "+topic)
	}
	if err := awaitToken(ctx, client.Publish(topic, qosAtMostOnce, false, data), c.timeout); err != nil {
		c.metrics.RecordError(transportName, "publish")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "Client", "Publish", "publish "+topic)
	}
	return nil
}

// WildcardSubscribed reports the wildcard subscription topic was delivered through.
func (c *Client) WildcardSubscribed(topic string) (string, bool) {
	return c.topics.WildcardFor(topic)
}

// Subscriptions returns the currently subscribed topics.
func (c *Client) Subscriptions() []string {
	return c.topics.List()
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.currentListener().OnMessage(msg.Topic(), msg.Payload())
}

func (c *Client) handleConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	current := c.client == client
	if current {
		c.client = nil
	}
	c.mu.Unlock()
	if !current || c.closed.Load() {
		return
	}

	c.topics.Clear()
	c.metrics.RecordConnected(transportName, false)
	if err == nil {
		err = errors.ErrConnectionLost
	}
	c.logger.Warn("MQTT connection lost", "error", err)
	c.currentListener().OnConnectionClosed(err)
}

// awaitToken blocks until the token completes, ctx ends or timeout elapses.
func awaitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrConnectionTimeout
	}
}
