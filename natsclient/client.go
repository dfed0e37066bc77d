package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/transport"
)

// transportName labels this transport in metrics.
const transportName = "nats"

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusCircuitOpen
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusCircuitOpen:
		return "circuit_open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Subscriptions   int
	RTT             time.Duration
}

// Client is a transport.Transport over NATS core pub/sub. It never reconnects
// on its own: a dropped connection is reported to the listener and Connect is
// called again by whoever owns recovery. Repeated connect failures open a
// circuit breaker that rejects attempts until its backoff elapses.
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	topics   *transport.SubscriptionSet
	listener transport.Listener

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	pingInterval time.Duration
	timeout      time.Duration
	drainTimeout time.Duration

	username string
	password string
	token    string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		subs:             make(map[string]*nats.Subscription),
		topics:           transport.NewSubscriptionSet(),
		listener:         transport.NopListener{},
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	c.logger = c.logger.With("transport", transportName)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	m.metrics.RecordConnected(transportName, status == StatusConnected)
	switch status {
	case StatusCircuitOpen:
		m.metrics.RecordCircuitBreakerState(transportName, 1)
	case StatusConnected:
		m.metrics.RecordCircuitBreakerState(transportName, 0)
	}
}

// IsConnected reports whether the connection is usable.
func (m *Client) IsConnected() bool {
	if m.Status() != StatusConnected {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && m.conn.IsConnected()
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current backoff duration
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// SetListener installs the event receiver.
func (m *Client) SetListener(l transport.Listener) {
	if l == nil {
		l = transport.NopListener{}
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *Client) currentListener() transport.Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener
}

// recordFailure counts a failed connect and opens the circuit after
// circuitThreshold failures in a round.
func (m *Client) recordFailure() {
	totalFailures := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	circuitFailures := m.circuitFailures.Add(1)

	m.logger.Debug("Recorded connection failure",
		"failures", totalFailures, "circuit_failures", circuitFailures)

	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.Backoff()
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}
	m.backoff.Store(newBackoff)
	m.circuitFailures.Store(0)

	currentStatus := m.Status()
	if currentStatus == StatusCircuitOpen {
		m.logger.Warn("Circuit breaker still open", "backoff", newBackoff)
		return
	}
	if m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
		m.setStatus(StatusCircuitOpen)
		m.logger.Warn("Circuit breaker opened",
			"failures", circuitFailures, "backoff", currentBackoff)
		time.AfterFunc(currentBackoff, m.testCircuit)
	}
}

// resetCircuit resets the circuit breaker state
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the circuit so the next Connect is attempted.
func (m *Client) testCircuit() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.metrics.RecordCircuitBreakerState(transportName, 2)
		m.logger.Debug("Circuit breaker half-open, next connect will be attempted")
	}
}

// WaitForConnection polls until the connection is usable or ctx ends.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

// ConnectionOptions returns the NATS connection options
func (m *Client) ConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tlsEnabled {
		if m.tlsCertFile != "" && m.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(m.tlsCertFile, m.tlsKeyFile))
		}
		if m.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(m.tlsCAFile))
		}
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
		Subscriptions:   len(m.topics.List()),
	}
	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Connect dials the server. Calling it again after the connection dropped
// dials a fresh connection with no subscriptions.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "connect closed client")
	}
	if m.Status() == StatusCircuitOpen {
		m.logger.Debug("Circuit breaker is open, skipping connection attempt")
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "establish connection")
	}
	if m.IsConnected() {
		return nil
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	opts := m.ConnectionOptions()
	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		m.mu.Lock()
		old := m.conn
		m.conn = conn
		m.subs = make(map[string]*nats.Subscription)
		m.mu.Unlock()
		m.topics.Clear()
		if old != nil {
			old.Close()
		}
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return m.connectFailed(errors.WrapTransient(err, "Client", "Connect", "establish connection"))
		}
	case <-ctx.Done():
		return m.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS", "url", m.url)

	m.currentListener().OnConnected()
	return nil
}

func (m *Client) connectFailed(err error) error {
	m.recordFailure()
	m.metrics.RecordError(transportName, "connect")
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "establish connection")
	}
	m.setStatus(StatusDisconnected)
	return err
}

// Close drains and closes the connection. The client cannot be reused.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.subs = make(map[string]*nats.Subscription)
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()
	m.topics.Clear()

	var closeErr error
	if conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				closeErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			closeErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain")
		case <-ctx.Done():
			closeErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
		}
		if closeErr != nil {
			m.logger.Error("Drain failed, force closing", "error", closeErr)
		}
		conn.Close()
	}

	m.setStatus(StatusClosed)
	m.currentListener().OnConnectionClosed(nil)
	return closeErr
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

func (m *Client) handleDisconnect(conn *nats.Conn, err error) {
	m.mu.RLock()
	current := m.conn == conn
	m.mu.RUnlock()
	if m.closed.Load() || !current {
		return
	}

	m.setStatus(StatusDisconnected)
	if err == nil {
		err = errors.ErrConnectionLost
	}
	m.logger.Warn("NATS connection lost", "error", err)
	m.currentListener().OnConnectionClosed(err)
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	m.logger.Error("NATS error", "error", err)
}
