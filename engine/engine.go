package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aperritano/Nutella/correlation"
	"github.com/aperritano/Nutella/envelope"
	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/health"
	"github.com/aperritano/Nutella/interest"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/pkg/retry"
	"github.com/aperritano/Nutella/pkg/worker"
	"github.com/aperritano/Nutella/topic"
	"github.com/aperritano/Nutella/transport"
)

// Namespace identifies the application run an engine belongs to.
type Namespace struct {
	// Root is the first topic segment; empty selects topic.DefaultRoot.
	Root        string
	AppID       string
	RunID       string
	ComponentID string
}

// Engine runs the Nutella protocol for one namespace over one transport.
type Engine struct {
	transport transport.Transport
	handler   Handler
	resolver  *topic.Resolver
	sender    envelope.Sender
	logger    *slog.Logger
	// warnLimiter throttles warnings a misbehaving peer or caller can trigger
	// per message. Metrics still count every occurrence.
	warnLimiter *rate.Limiter
	metrics     *engineMetrics
	registry    *metric.MetricsRegistry

	idGen          correlation.IDGenerator
	readyTimeout   time.Duration
	reconnectDelay time.Duration
	requestExpiry  time.Duration
	queueSize      int

	// opMu serializes operations that change interests together with the
	// transport calls they imply.
	opMu sync.Mutex
	// mu guards tracker, live, epoch and waiters. live holds the channels
	// subscribed on the connection identified by epoch.
	mu      sync.Mutex
	tracker *interest.Tracker
	live    map[string]bool
	epoch   uint64
	waiters map[int64]chan reply
	table   *correlation.Table

	// dispatchMu keeps Deliver and queued deliveries from interleaving.
	dispatchMu sync.Mutex
	inbound    *worker.Pool[inbound]
	recovery   recovery

	lifeMu  sync.Mutex
	started bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startedAt    time.Time
	delivered    atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Value
	lastActivity atomic.Int64
}

var _ transport.Listener = (*Engine)(nil)

type inbound struct {
	topic string
	data  []byte
}

// New creates an engine and installs it as the transport's listener. The
// transport is not connected until Start.
func New(t transport.Transport, ns Namespace, h Handler, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil transport", errors.ErrMissingConfig), "Engine", "New", "create engine")
	}
	if h == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil handler", errors.ErrMissingConfig), "Engine", "New", "create engine")
	}
	if ns.ComponentID == "" {
		ns.ComponentID = uuid.NewString()
	}

	e := &Engine{
		transport:      t,
		handler:        h,
		resolver:       topic.NewResolver(ns.Root, ns.AppID, ns.RunID),
		sender:         envelope.NewSender(ns.AppID, ns.RunID, ns.ComponentID),
		logger:         slog.Default(),
		warnLimiter:    rate.NewLimiter(rate.Limit(warnLogRate), warnLogBurst),
		readyTimeout:   defaultReadyTimeout,
		reconnectDelay: defaultReconnectDelay,
		queueSize:      defaultQueueSize,
		tracker:        interest.NewTracker(),
		live:           make(map[string]bool),
		waiters:        make(map[int64]chan reply),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "New", "apply option")
		}
	}

	e.logger = e.logger.With("component", "engine", "app_id", ns.AppID, "run_id", ns.RunID)
	e.table = correlation.NewTable(e.idGen)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	metrics, err := newEngineMetrics(e.registry)
	if err != nil {
		e.logger.Error("Failed to initialize engine metrics", "error", err)
		metrics = nil
	}
	e.metrics = metrics

	process := func(ctx context.Context, msg inbound) error {
		e.dispatch(ctx, msg)
		return nil
	}
	var poolOpts []worker.Option[inbound]
	if e.metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[inbound](e.registry, "nutella_engine_inbound"))
	}
	pool, err := worker.NewPool(1, e.queueSize, process, poolOpts...)
	if err != nil {
		e.logger.Error("Failed to initialize inbound queue metrics", "error", err)
		if pool, err = worker.NewPool(1, e.queueSize, process); err != nil {
			return nil, errors.WrapFatal(err, "Engine", "New", "create inbound queue")
		}
	}
	e.inbound = pool

	t.SetListener(e)
	return e, nil
}

// Sender returns the descriptor stamped on outgoing envelopes.
func (e *Engine) Sender() envelope.Sender {
	out := make(envelope.Sender, len(e.sender))
	for k, v := range e.sender {
		out[k] = v
	}
	return out
}

// Resolver returns the engine's namespace resolver.
func (e *Engine) Resolver() *topic.Resolver { return e.resolver }

// Start starts inbound dispatch and connects the transport, retrying a few
// times on transient failures. After a failed Start the engine must be closed.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.closed.Load() {
		e.lifeMu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Engine", "Start", "start closed engine")
	}
	if e.started {
		e.lifeMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "start engine")
	}
	if err := e.inbound.Start(e.ctx); err != nil {
		e.lifeMu.Unlock()
		return errors.WrapFatal(err, "Engine", "Start", "start inbound queue")
	}
	e.started = true
	e.startedAt = time.Now()
	if e.requestExpiry > 0 {
		e.wg.Add(1)
		go e.sweepExpired()
	}
	e.lifeMu.Unlock()

	e.logger.Info("Starting engine", "component_id", e.sender.ComponentID())
	if err := retry.Do(ctx, retry.DefaultConfig(), e.transport.Connect); err != nil {
		e.recordError(err)
		return errors.Wrap(err, "Engine", "Start", "connect transport")
	}
	return nil
}

// Close stops recovery and dispatch, closes the transport and fails any
// blocked Request calls. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.closed.Swap(true) {
		e.lifeMu.Unlock()
		return nil
	}
	started := e.started
	e.lifeMu.Unlock()

	e.cancel()
	closeErr := e.transport.Close(ctx)

	if started {
		timeout := stopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := e.inbound.Stop(timeout); err != nil {
			e.logger.Warn("Inbound queue did not drain", "error", err)
		}
	}
	e.wg.Wait()

	e.mu.Lock()
	for id, w := range e.waiters {
		w <- reply{err: errors.WrapFatal(errors.ErrShuttingDown, "Engine", "Request", "await response")}
		delete(e.waiters, id)
	}
	e.mu.Unlock()

	e.logger.Info("Engine closed", "pending_requests", e.table.Len())
	if closeErr != nil {
		return errors.Wrap(closeErr, "Engine", "Close", "close transport")
	}
	return nil
}

// goBackground runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) goBackground(fn func()) bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed.Load() {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// Connected reports whether the transport is connected.
func (e *Engine) Connected() bool {
	return e.transport.IsConnected()
}

// waitReady polls the transport until it is connected, ctx ends or the ready
// timeout elapses.
func (e *Engine) waitReady(ctx context.Context, op string) error {
	if e.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Engine", op, "wait for connection")
	}
	if e.transport.IsConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.readyTimeout)
	defer cancel()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrNotConnected, ctx.Err()),
				"Engine", op, "wait for connection")
		case <-ticker.C:
			if e.closed.Load() {
				return errors.WrapFatal(errors.ErrShuttingDown, "Engine", op, "wait for connection")
			}
			if e.transport.IsConnected() {
				return nil
			}
		}
	}
}

// Subscribe starts delivering messages published on channel to OnMessage.
// A channel ending in "#" subscribes to the whole subtree.
func (e *Engine) Subscribe(ctx context.Context, channel string) error {
	return e.addInterest(ctx, "Subscribe", channel, interest.Deliveries)
}

// Unsubscribe stops deliveries on channel.
func (e *Engine) Unsubscribe(ctx context.Context, channel string) error {
	return e.dropInterest(ctx, "Unsubscribe", channel, interest.Deliveries)
}

// HandleRequest starts passing requests on channel to OnRequest.
func (e *Engine) HandleRequest(ctx context.Context, channel string) error {
	return e.addInterest(ctx, "HandleRequest", channel, interest.HandleRequests)
}

// UnhandleRequest stops handling requests on channel.
func (e *Engine) UnhandleRequest(ctx context.Context, channel string) error {
	return e.dropInterest(ctx, "UnhandleRequest", channel, interest.HandleRequests)
}

func (e *Engine) addInterest(ctx context.Context, op, channel string, kind interest.Kind) error {
	physical, err := e.resolver.ToPhysical(channel)
	if err != nil {
		return err
	}
	if err := e.waitReady(ctx, op); err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.markLocked(ctx, op, channel, physical, kind)
}

// markLocked sets an interest and subscribes when the channel has no physical
// subscription on the current connection, either because this is its first
// interest or because the subscription was lost with an earlier connection.
// A failed subscribe rolls back an interest set by this call. Callers hold opMu.
func (e *Engine) markLocked(ctx context.Context, op, channel, physical string, kind interest.Kind) error {
	e.mu.Lock()
	_, warning := e.tracker.Mark(channel, kind)
	live := e.live[channel]
	epoch := e.epoch
	e.mu.Unlock()

	if live {
		if warning != nil {
			e.warn(op, channel, warning)
		}
		return nil
	}

	if err := e.transport.Subscribe(ctx, physical); err != nil {
		if warning == nil {
			e.mu.Lock()
			e.tracker.Restore(channel, kind, false)
			e.mu.Unlock()
		}
		e.metrics.recordTransportCall("subscribe", err)
		e.recordError(err)
		return errors.Wrap(err, "Engine", op, "subscribe "+physical)
	}
	e.metrics.recordTransportCall("subscribe", nil)

	if !e.setLive(channel, epoch) {
		e.logger.Debug("Connection lost while subscribing", "channel", channel, "topic", physical)
		return nil
	}
	if warning != nil {
		e.logger.Info("Restored subscription lost with the previous connection",
			"channel", channel, "interest", kind.String())
		return nil
	}
	e.logger.Debug("Subscribed", "channel", channel, "topic", physical, "interest", kind.String())
	return nil
}

// setLive records channel as subscribed unless the connection it was
// subscribed on has closed since epoch was read.
func (e *Engine) setLive(channel string, epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return false
	}
	e.live[channel] = true
	e.metrics.setSubscriptions(len(e.live))
	return true
}

func (e *Engine) dropInterest(ctx context.Context, op, channel string, kind interest.Kind) error {
	physical, err := e.resolver.ToPhysical(channel)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.clearLocked(ctx, op, channel, physical, kind)
}

// clearLocked clears an interest and unsubscribes when it was the channel's
// last and the channel is subscribed on the current connection. Callers hold opMu.
func (e *Engine) clearLocked(ctx context.Context, op, channel, physical string, kind interest.Kind) error {
	e.mu.Lock()
	transition, warning := e.tracker.Clear(channel, kind)
	live := e.live[channel]
	if transition == interest.Unsubscribe {
		delete(e.live, channel)
		e.metrics.setSubscriptions(len(e.live))
	}
	e.mu.Unlock()

	if warning != nil {
		e.warn(op, channel, warning)
		return nil
	}
	if transition != interest.Unsubscribe || !live {
		return nil
	}

	if err := e.transport.Unsubscribe(ctx, physical); err != nil {
		e.metrics.recordTransportCall("unsubscribe", err)
		e.recordError(err)
		return errors.Wrap(err, "Engine", op, "unsubscribe "+physical)
	}
	e.metrics.recordTransportCall("unsubscribe", nil)
	e.logger.Debug("Unsubscribed", "channel", channel, "topic", physical)
	return nil
}

// Publish broadcasts payload on channel. The payload must not be nil.
func (e *Engine) Publish(ctx context.Context, channel string, payload any) error {
	if topic.IsWildcard(channel) {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Engine", "Publish", "publish to wildcard "+channel)
	}
	physical, err := e.resolver.ToPhysical(channel)
	if err != nil {
		return err
	}
	if isEmptyReply(payload) {
		return errors.WrapInvalid(fmt.Errorf("%w: publish without payload", errors.ErrInvalidData),
			"Engine", "Publish", "encode envelope")
	}
	data, err := envelope.EncodePublish(e.sender, payload)
	if err != nil {
		return err
	}
	if err := e.waitReady(ctx, "Publish"); err != nil {
		return err
	}
	if err := e.transport.Publish(ctx, physical, data); err != nil {
		e.metrics.recordTransportCall("publish", err)
		e.recordError(err)
		return errors.Wrap(err, "Engine", "Publish", "publish "+physical)
	}
	e.metrics.recordTransportCall("publish", nil)
	return nil
}

// AsyncRequest sends a request on channel and returns its correlation id.
// The response is delivered to OnResponse together with name. There is no
// timeout: without WithRequestExpiry an unanswered request stays pending.
func (e *Engine) AsyncRequest(ctx context.Context, channel string, payload any, name string) (int64, error) {
	p, err := e.issue(ctx, "AsyncRequest", channel, payload, name, nil)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// Request sends a request on channel and waits for its response or for ctx
// to end. On cancellation the pending request is dropped.
func (e *Engine) Request(ctx context.Context, channel string, payload any) (Response, error) {
	w := make(chan reply, 1)
	p, err := e.issue(ctx, "Request", channel, payload, "", w)
	if err != nil {
		return Response{}, err
	}

	select {
	case r := <-w:
		if r.err != nil {
			return Response{}, r.err
		}
		return Response{Channel: channel, Payload: r.payload, From: r.from}, nil
	case <-ctx.Done():
		e.cancelPending(e.ctx, p.ID)
		return Response{}, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrRequestCancelled, ctx.Err()),
			"Engine", "Request", "await response on "+channel)
	}
}

func (e *Engine) issue(ctx context.Context, op, channel string, payload any, name string, w chan reply) (*correlation.Pending, error) {
	if topic.IsWildcard(channel) {
		return nil, errors.WrapInvalid(errors.ErrInvalidTopic, "Engine", op, "request on wildcard "+channel)
	}
	physical, err := e.resolver.ToPhysical(channel)
	if err != nil {
		return nil, err
	}
	if err := e.waitReady(ctx, op); err != nil {
		return nil, err
	}

	e.opMu.Lock()
	p, err := e.table.Register(channel, name, payload)
	if err != nil {
		e.opMu.Unlock()
		return nil, err
	}
	e.mu.Lock()
	ready := e.tracker.IsInterested(channel, interest.IssueRequests) && e.live[channel]
	e.mu.Unlock()
	if !ready {
		if err := e.markLocked(ctx, op, channel, physical, interest.IssueRequests); err != nil {
			e.table.Remove(p.ID)
			e.opMu.Unlock()
			return nil, err
		}
	}
	if w != nil {
		e.mu.Lock()
		e.waiters[p.ID] = w
		e.mu.Unlock()
	}
	e.opMu.Unlock()

	data, err := envelope.EncodeRequest(e.sender, p.ID, payload)
	if err == nil {
		err = e.transport.Publish(ctx, physical, data)
		e.metrics.recordTransportCall("publish", err)
	}
	if err != nil {
		e.cancelPending(e.ctx, p.ID)
		e.recordError(err)
		return nil, errors.Wrap(err, "Engine", op, "send request on "+physical)
	}

	e.metrics.recordRequestIssued(e.table.Len())
	e.logger.Debug("Request sent", "channel", channel, "correlation_id", p.ID, "request_name", name)
	return p, nil
}

// cancelPending forgets a pending request and releases its response interest.
func (e *Engine) cancelPending(ctx context.Context, id int64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	delete(e.waiters, id)
	e.mu.Unlock()
	if p, ok := e.table.Remove(id); ok {
		e.releaseResponseInterestLocked(ctx, p.Channel)
	}
	e.metrics.setPending(e.table.Len())
}

// releaseResponseInterestLocked clears the channel's response interest once
// no request issued on it is outstanding. Callers hold opMu.
func (e *Engine) releaseResponseInterestLocked(ctx context.Context, channel string) {
	if e.table.Outstanding(channel) > 0 {
		return
	}
	e.mu.Lock()
	requesting := e.tracker.IsInterested(channel, interest.IssueRequests)
	e.mu.Unlock()
	if !requesting {
		return
	}
	physical, err := e.resolver.ToPhysical(channel)
	if err != nil {
		return
	}
	if err := e.clearLocked(ctx, "ReleaseResponseInterest", channel, physical, interest.IssueRequests); err != nil {
		e.logger.Warn("Failed to drop response subscription", "channel", channel, "error", err)
	}
}

// Pending returns the number of outstanding requests.
func (e *Engine) Pending() int {
	return e.table.Len()
}

// Interest returns the interest record of channel.
func (e *Engine) Interest(channel string) (interest.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Get(channel)
}

// Channels returns the channels holding the given interest.
func (e *Engine) Channels(kind interest.Kind) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Channels(kind)
}

// Health reports the engine's connection and traffic state.
func (e *Engine) Health() health.Status {
	e.mu.Lock()
	subscriptions := len(e.live)
	e.mu.Unlock()

	var lastActivity time.Time
	if ns := e.lastActivity.Load(); ns > 0 {
		lastActivity = time.Unix(0, ns)
	}
	lastErr, _ := e.lastError.Load().(string)

	e.lifeMu.Lock()
	startedAt := e.startedAt
	e.lifeMu.Unlock()

	status := health.FromReport("engine", health.Report{
		Connected:       e.transport.IsConnected(),
		Recovering:      e.recovery.active.Load(),
		LastError:       lastErr,
		ErrorCount:      int(e.errorCount.Load()),
		Delivered:       e.delivered.Load(),
		Subscriptions:   subscriptions,
		PendingRequests: e.table.Len(),
		StartedAt:       startedAt,
		LastActivity:    lastActivity,
	})
	e.metrics.recordHealth(status.IsHealthy())
	return status
}

// QueueStats returns the inbound queue statistics.
func (e *Engine) QueueStats() worker.PoolStats {
	return e.inbound.Stats()
}

func (e *Engine) warn(op, channel string, warning error) {
	e.metrics.recordWarning(warning)
	e.throttledWarn("Ignoring redundant operation", "operation", op, "channel", channel, "warning", warning)
}

func (e *Engine) throttledWarn(msg string, args ...any) {
	if e.warnLimiter.Allow() {
		e.logger.Warn(msg, args...)
	}
}

func (e *Engine) recordError(err error) {
	e.errorCount.Add(1)
	e.lastError.Store(err.Error())
}
