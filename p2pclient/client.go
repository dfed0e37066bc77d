package p2pclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/transport"
)

const transportName = "p2p"

// Client is a transport.Transport over libp2p gossipsub.
type Client struct {
	listenAddrs []ma.Multiaddr
	bootstrap   []ma.Multiaddr
	rendezvous  string

	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	host     host.Host
	ps       *pubsub.PubSub
	mdns     mdns.Service
	topics   map[string]*pubsub.Topic
	subs     map[string]*subscription
	listener transport.Listener
	closed   bool
	wg       sync.WaitGroup
}

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

var _ transport.Transport = (*Client)(nil)

// Option configures a Client.
type Option func(*Client) error

// WithListenAddrs sets the multiaddrs the host listens on. The default is an
// ephemeral TCP port on all interfaces.
func WithListenAddrs(addrs ...string) Option {
	return func(c *Client) error {
		parsed, err := parseMultiaddrs(addrs)
		if err != nil {
			return err
		}
		c.listenAddrs = parsed
		return nil
	}
}

// WithBootstrap sets peers to dial on Connect. Each address must carry a
// /p2p/<peer id> component.
func WithBootstrap(addrs ...string) Option {
	return func(c *Client) error {
		parsed, err := parseMultiaddrs(addrs)
		if err != nil {
			return err
		}
		c.bootstrap = parsed
		return nil
	}
}

// WithMDNS enables local peer discovery under the given service name.
func WithMDNS(rendezvous string) Option {
	return func(c *Client) error {
		if rendezvous == "" {
			return fmt.Errorf("%w: empty mdns rendezvous", errors.ErrInvalidConfig)
		}
		c.rendezvous = rendezvous
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

// NewClient creates an unstarted client.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		logger:   slog.Default(),
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*subscription),
		listener: transport.NopListener{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if len(c.listenAddrs) == 0 {
		addr, err := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		if err != nil {
			return nil, errors.WrapFatal(err, "Client", "NewClient", "build default listen address")
		}
		c.listenAddrs = []ma.Multiaddr{addr}
	}
	c.logger = c.logger.With("transport", transportName)
	return c, nil
}

func parseMultiaddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: multiaddr %q: %w", errors.ErrInvalidConfig, s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

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
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Connect starts the libp2p host and gossipsub router and dials bootstrap
// peers. Bootstrap failures are logged, not returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "connect closed client")
	}
	if c.host != nil {
		c.mu.Unlock()
		return nil
	}

	h, err := libp2p.New(libp2p.ListenAddrs(c.listenAddrs...))
	if err != nil {
		c.mu.Unlock()
		c.metrics.RecordError(transportName, "connect")
		return errors.WrapTransient(err, "Client", "Connect", "create libp2p host")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		c.mu.Unlock()
		c.metrics.RecordError(transportName, "connect")
		return errors.WrapTransient(err, "Client", "Connect", "create gossipsub router")
	}
	c.ctx, c.cancel, c.host, c.ps = runCtx, cancel, h, ps

	if c.rendezvous != "" {
		c.mdns = mdns.NewMdnsService(h, c.rendezvous, &notifee{host: h, logger: c.logger})
		if err := c.mdns.Start(); err != nil {
			c.logger.Warn("mDNS discovery unavailable", "error", err)
			c.mdns = nil
		}
	}
	c.mu.Unlock()

	for _, addr := range c.bootstrap {
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			c.logger.Warn("Skipping bootstrap address", "addr", addr.String(), "error", err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			c.logger.Warn("Bootstrap dial failed", "peer", info.ID.String(), "error", err)
			continue
		}
		c.logger.Debug("Connected bootstrap peer", "peer", info.ID.String())
	}

	c.metrics.RecordConnected(transportName, true)
	c.logger.Info("libp2p host started", "peer_id", h.ID().String())
	c.currentListener().OnConnected()
	return nil
}

// Close cancels every subscription, leaves all topics and stops the host.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for name, s := range c.subs {
		s.cancel()
		s.sub.Cancel()
		delete(c.subs, name)
	}
	h, svc, cancel := c.host, c.mdns, c.cancel
	topics := c.topics
	c.topics = make(map[string]*pubsub.Topic)
	c.host, c.ps, c.mdns = nil, nil, nil
	c.mu.Unlock()

	c.wg.Wait()

	var closeErr error
	for name, t := range topics {
		if err := t.Close(); err != nil {
			c.logger.Debug("Topic close failed", "topic", name, "error", err)
		}
	}
	if svc != nil {
		_ = svc.Close()
	}
	if cancel != nil {
		cancel()
	}
	if h != nil {
		if err := h.Close(); err != nil {
			closeErr = errors.Wrap(err, "Client", "Close", "close libp2p host")
		}
	}
	c.metrics.RecordConnected(transportName, false)
	c.currentListener().OnConnectionClosed(nil)
	return closeErr
}

// IsConnected reports whether the host is running.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host != nil
}

// PeerID returns the host's peer id, or "" before Connect.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return ""
	}
	return c.host.ID().String()
}

// Addrs returns the host's dialable addresses including the /p2p component.
func (c *Client) Addrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return nil
	}
	out := make([]string, 0, len(c.host.Addrs()))
	for _, addr := range c.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, c.host.ID()))
	}
	return out
}

// Peers returns the ids of currently connected peers.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return nil
	}
	peers := c.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, id := range peers {
		out = append(out, id.String())
	}
	return out
}

// joinLocked returns the cached topic handle. Gossipsub refuses a second Join.
func (c *Client) joinLocked(name string) (*pubsub.Topic, error) {
	if t, ok := c.topics[name]; ok {
		return t, nil
	}
	t, err := c.ps.Join(name)
	if err != nil {
		return nil, err
	}
	c.topics[name] = t
	return t, nil
}

// Subscribe joins topic and starts delivering its messages to the listener.
func (c *Client) Subscribe(_ context.Context, topic string) error {
	if transport.IsWildcard(topic) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: wildcards are not supported by gossipsub", errors.ErrInvalidTopic),
			"Client", "Subscribe", "subscribe "+topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "subscribe "+topic)
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	t, err := c.joinLocked(topic)
	if err != nil {
		c.metrics.RecordError(transportName, "subscribe")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err), "Client", "Subscribe", "join "+topic)
	}
	sub, err := t.Subscribe()
	if err != nil {
		c.metrics.RecordError(transportName, "subscribe")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err), "Client", "Subscribe", "subscribe "+topic)
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	c.subs[topic] = &subscription{sub: sub, cancel: cancel}
	c.wg.Add(1)
	go c.readLoop(subCtx, topic, sub)

	c.logger.Debug("Subscribed", "topic", topic)
	return nil
}

func (c *Client) readLoop(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer c.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		c.currentListener().OnMessage(topic, msg.Data)
	}
}

// Unsubscribe stops delivery for topic. The topic handle stays joined so that
// later publishes do not need to join again.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	s, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	s.sub.Cancel()
	c.logger.Debug("Unsubscribed", "topic", topic)
	return nil
}

// Publish sends data to every peer subscribed to topic, including this one.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if transport.IsWildcard(topic) {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Client", "Publish", "publish to wildcard "+topic)
	}
	c.mu.Lock()
	if c.host == nil {
		c.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish "+topic)
	}
	t, err := c.joinLocked(topic)
	c.mu.Unlock()
	if err != nil {
		c.metrics.RecordError(transportName, "publish")
		return errors.WrapTransient(err, "Client", "Publish", "join "+topic)
	}
	if err := t.Publish(ctx, data); err != nil {
		c.metrics.RecordError(transportName, "publish")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "Client", "Publish", "publish "+topic)
	}
	return nil
}

// WildcardSubscribed never matches; gossipsub topics are flat.
func (c *Client) WildcardSubscribed(string) (string, bool) {
	return "", false
}

// Subscriptions returns the subscribed topics.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type notifee struct {
	host   host.Host
	logger *slog.Logger
}

func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.logger.Debug("mDNS peer dial failed", "peer", info.ID.String(), "error", err)
	}
}
