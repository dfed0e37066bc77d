package tap

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aperritano/Nutella/engine"
	"github.com/aperritano/Nutella/envelope"
	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/health"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/topic"
)

// Frame types.
const (
	FrameMessage  = "message"
	FrameRequest  = "request"
	FrameResponse = "response"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is one event sent to WebSocket clients.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Channel   string          `json:"channel"`
	Name      string          `json:"name,omitempty"` // request name of a response
	From      envelope.Sender `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Tap is an engine.Handler that mirrors deliveries to WebSocket clients.
type Tap struct {
	port     int
	path     string
	next     engine.Handler
	channels []string
	monitor  *health.Monitor
	logger   *slog.Logger
	metrics  *tapMetrics

	upgrader  websocket.Upgrader
	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*clientInfo

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup

	framesSent atomic.Int64
}

// clientInfo holds the state of one connected client.
type clientInfo struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMutex  sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

var _ engine.Handler = (*Tap)(nil)

// Option configures a Tap.
type Option func(*Tap) error

// WithChannels limits broadcasting to the given channels. A channel ending in
// "#" matches its whole subtree. Without this option every channel is shown.
func WithChannels(channels ...string) Option {
	return func(t *Tap) error {
		for _, ch := range channels {
			if err := topic.ValidateChannel(ch); err != nil {
				return err
			}
		}
		t.channels = append(t.channels, channels...)
		return nil
	}
}

// WithHealth serves the monitor's aggregate status on /health.
func WithHealth(monitor *health.Monitor) Option {
	return func(t *Tap) error {
		t.monitor = monitor
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tap) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// WithMetrics registers client and frame metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(t *Tap) error {
		m, err := newTapMetrics(registry)
		if err != nil {
			return err
		}
		t.metrics = m
		return nil
	}
}

// New creates a tap listening on port and path that forwards events to next.
// A nil next handler makes the tap a pure monitor that never answers requests.
func New(port int, path string, next engine.Handler, opts ...Option) (*Tap, error) {
	if port < 0 || port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, port), "Tap", "New", "validate port")
	}
	if path == "" {
		path = "/tap"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, path), "Tap", "New", "validate path")
	}
	if next == nil {
		next = engine.HandlerFuncs{}
	}

	t := &Tap{
		port:     port,
		path:     path,
		next:     next,
		logger:   slog.Default(),
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.Wrap(err, "Tap", "New", "apply option")
		}
	}
	t.logger = t.logger.With("component", "tap")
	return t, nil
}

// OnMessage implements engine.Handler.
func (t *Tap) OnMessage(channel string, payload json.RawMessage, from envelope.Sender) {
	t.next.OnMessage(channel, payload, from)
	t.broadcast(Frame{Type: FrameMessage, Channel: channel, From: from, Payload: payload})
}

// OnResponse implements engine.Handler.
func (t *Tap) OnResponse(channel, requestName string, payload json.RawMessage, from envelope.Sender) {
	t.next.OnResponse(channel, requestName, payload, from)
	t.broadcast(Frame{Type: FrameResponse, Channel: channel, Name: requestName, From: from, Payload: payload})
}

// OnRequest implements engine.Handler. The wrapped handler's answer is
// returned unchanged.
func (t *Tap) OnRequest(channel string, payload json.RawMessage, from envelope.Sender) any {
	answer := t.next.OnRequest(channel, payload, from)
	t.broadcast(Frame{Type: FrameRequest, Channel: channel, From: from, Payload: payload})
	return answer
}

// Handler returns the HTTP handler serving the WebSocket path and /health.
func (t *Tap) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleWebSocket)
	mux.HandleFunc("/health", t.handleHealth)
	return mux
}

// Start serves until Stop is called. ctx bounds the client keepalive loop.
// It returns nil after a clean stop.
func (t *Tap) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.server != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Tap", "Start", "start server")
	}
	select {
	case <-t.shutdown:
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Tap", "Start", "start stopped server")
	default:
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		t.mu.Unlock()
		return errors.WrapFatal(err, "Tap", "Start", fmt.Sprintf("listen on port %d", t.port))
	}
	srv := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	t.server = srv
	t.listener = ln
	t.wg.Add(1)
	go t.maintainClients(ctx)
	t.mu.Unlock()

	t.logger.Info("Tap listening", "address", ln.Addr().String(), "path", t.path)
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Tap", "Start", fmt.Sprintf("serve on port %d", t.port))
	}
	return nil
}

// Addr returns the listening address once Start has bound the port.
func (t *Tap) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Stop closes every client and shuts the server down.
func (t *Tap) Stop(timeout time.Duration) error {
	t.mu.Lock()
	select {
	case <-t.shutdown:
		t.mu.Unlock()
		return nil
	default:
		close(t.shutdown)
	}
	srv := t.server
	t.mu.Unlock()

	t.closeAllClients()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("client handlers still running after %s", timeout), "Tap", "Stop", "wait for clients")
	}

	t.logger.Info("Tap stopped", "frames_sent", t.framesSent.Load())
	if err != nil {
		return errors.WrapTransient(err, "Tap", "Stop", "shutdown HTTP server")
	}
	return nil
}

// Clients returns the number of connected clients.
func (t *Tap) Clients() int {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	return len(t.clients)
}

func (t *Tap) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.NewHealthy("tap", "serving")
	if t.monitor != nil {
		status = t.monitor.AggregateHealth("nutella")
	}
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// handleWebSocket handles new WebSocket connections.
func (t *Tap) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-t.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.metrics.recordError("connection_upgrade")
		t.logger.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	info := &clientInfo{id: uuid.NewString(), conn: conn, connectedAt: time.Now()}
	t.clientsMu.Lock()
	t.clients[conn] = info
	count := len(t.clients)
	t.clientsMu.Unlock()

	t.metrics.recordConnect(count)
	t.logger.Info("Tap client connected", "client_id", info.id, "remote_addr", r.RemoteAddr)

	t.wg.Add(1)
	go t.handleClient(info)
}

// handleClient reads and discards client frames until the connection ends.
func (t *Tap) handleClient(info *clientInfo) {
	defer t.wg.Done()
	defer t.removeClient(info)

	conn := info.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *Tap) removeClient(info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		t.clientsMu.Lock()
		delete(t.clients, info.conn)
		count := len(t.clients)
		t.clientsMu.Unlock()

		t.metrics.recordDisconnect(count)
		_ = info.conn.Close()
		t.logger.Info("Tap client disconnected", "client_id", info.id,
			"connected_for", time.Since(info.connectedAt).Round(time.Millisecond))
	})
}

func (t *Tap) closeAllClients() {
	for _, info := range t.snapshot() {
		info.writeMutex.Lock()
		_ = info.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		info.writeMutex.Unlock()
		t.removeClient(info)
	}
}

func (t *Tap) snapshot() []*clientInfo {
	t.clientsMu.RLock()
	defer t.clientsMu.RUnlock()
	out := make([]*clientInfo, 0, len(t.clients))
	for _, info := range t.clients {
		if !info.closed.Load() {
			out = append(out, info)
		}
	}
	return out
}

// broadcast sends frame to every client. A client whose write fails is removed.
func (t *Tap) broadcast(frame Frame) {
	if !t.matches(frame.Channel) {
		return
	}
	clients := t.snapshot()
	if len(clients) == 0 {
		return
	}

	frame.ID = uuid.NewString()
	frame.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(frame)
	if err != nil {
		t.metrics.recordError("frame_marshal")
		t.logger.Warn("Failed to encode tap frame", "channel", frame.Channel, "error", err)
		return
	}

	for _, info := range clients {
		if err := t.send(info, websocket.TextMessage, data); err != nil {
			t.metrics.recordError("send")
			t.removeClient(info)
			continue
		}
		t.framesSent.Add(1)
		t.metrics.recordSent(frame.Type, len(data))
	}
}

func (t *Tap) send(info *clientInfo, messageType int, data []byte) error {
	// gorilla/websocket allows one concurrent writer per connection.
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()
	_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return info.conn.WriteMessage(messageType, data)
}

// matches reports whether channel passes the channel filter.
func (t *Tap) matches(channel string) bool {
	if len(t.channels) == 0 {
		return true
	}
	for _, filter := range t.channels {
		if filter == channel {
			return true
		}
		if topic.IsWildcard(filter) {
			prefix := strings.TrimSuffix(filter, topic.Wildcard)
			if prefix == "" || strings.HasPrefix(channel, prefix) || channel+"/" == prefix {
				return true
			}
		}
	}
	return false
}

// maintainClients pings clients so dead connections time out.
func (t *Tap) maintainClients(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.shutdown:
			return
		case <-ticker.C:
			for _, info := range t.snapshot() {
				if err := t.send(info, websocket.PingMessage, nil); err != nil {
					t.removeClient(info)
				}
			}
		}
	}
}
