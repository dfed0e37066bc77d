package engine

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/aperritano/Nutella/envelope"
	"github.com/aperritano/Nutella/interest"
	"github.com/aperritano/Nutella/pkg/worker"
)

// Discard reasons reported in logs and metrics.
const (
	discardOutsideNamespace = "outside_namespace"
	discardNotInterested    = "not_interested"
	discardUnmatched        = "unmatched_response"
	discardQueueFull        = "queue_full"
	discardNotStarted       = "not_started"
)

// OnMessage implements transport.Listener. Messages are queued and dispatched
// in arrival order on a single worker so that callbacks never run on the
// transport's own goroutine.
func (e *Engine) OnMessage(topic string, data []byte) {
	msg := inbound{topic: topic, data: append([]byte(nil), data...)}
	if err := e.inbound.Submit(msg); err != nil {
		reason := discardQueueFull
		if !stderrors.Is(err, worker.ErrQueueFull) {
			reason = discardNotStarted
		}
		e.metrics.recordDiscarded(reason)
		e.throttledWarn("Dropping inbound message", "topic", topic, "reason", reason, "error", err)
	}
}

// Deliver dispatches one inbound message synchronously on the caller's
// goroutine. Transports that do not call OnMessage can feed the engine here.
func (e *Engine) Deliver(ctx context.Context, topic string, data []byte) {
	e.dispatch(ctx, inbound{topic: topic, data: data})
}

func (e *Engine) dispatch(ctx context.Context, msg inbound) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	start := time.Now()
	defer e.metrics.recordDispatch(start)
	e.lastActivity.Store(start.UnixNano())

	channel, ok := e.resolver.ToLogical(msg.topic)
	if !ok {
		e.discard(msg.topic, discardOutsideNamespace)
		return
	}
	// key is the wildcard channel the topic falls under, if any. Interest on
	// either the concrete channel or key admits the envelope.
	key := channel
	if wildcard, ok := e.transport.WildcardSubscribed(msg.topic); ok {
		if k, ok := e.resolver.ResolveKey(msg.topic, wildcard); ok {
			key = k
		}
	}

	env, err := envelope.Decode(msg.data)
	if err != nil {
		reason := envelope.ReasonMalformed
		var de *envelope.DecodeError
		if stderrors.As(err, &de) {
			reason = de.Reason
		}
		e.metrics.recordDiscarded(reason)
		e.logger.Debug("Discarding malformed envelope", "topic", msg.topic, "reason", reason, "error", err)
		return
	}
	e.metrics.recordReceived(env.Kind.String())

	switch env.Kind {
	case envelope.KindPublish:
		e.dispatchPublish(channel, key, env)
	case envelope.KindRequest:
		e.dispatchRequest(ctx, msg.topic, channel, key, env)
	case envelope.KindResponse:
		e.dispatchResponse(ctx, channel, env)
	}
}

func (e *Engine) dispatchPublish(channel, key string, env envelope.Envelope) {
	if !e.interested(interest.Deliveries, channel, key) {
		e.discard(channel, discardNotInterested)
		return
	}
	e.handler.OnMessage(channel, env.Payload, env.From)
	e.delivered.Add(1)
	e.metrics.recordDelivered("message")
}

// dispatchRequest passes a request to OnRequest and publishes a non-empty
// reply on the topic the request arrived on.
func (e *Engine) dispatchRequest(ctx context.Context, topic, channel, key string, env envelope.Envelope) {
	if !e.interested(interest.HandleRequests, channel, key) {
		e.discard(channel, discardNotInterested)
		return
	}
	result := e.handler.OnRequest(channel, env.Payload, env.From)
	e.delivered.Add(1)
	e.metrics.recordDelivered("request")
	if isEmptyReply(result) {
		return
	}

	data, err := envelope.EncodeResponse(e.sender, env.ID, result)
	if err != nil {
		e.logger.Error("Failed to encode response", "channel", channel, "correlation_id", env.ID, "error", err)
		return
	}
	if err := e.transport.Publish(ctx, topic, data); err != nil {
		e.metrics.recordTransportCall("publish", err)
		e.recordError(err)
		e.throttledWarn("Failed to send response", "channel", channel, "correlation_id", env.ID, "error", err)
		return
	}
	e.metrics.recordTransportCall("publish", nil)
}

// dispatchResponse matches a response to its pending request. Responses with
// an unknown id, or arriving after the request was resolved, are dropped.
func (e *Engine) dispatchResponse(ctx context.Context, channel string, env envelope.Envelope) {
	e.opMu.Lock()
	if !e.interested(interest.IssueRequests, channel) {
		e.opMu.Unlock()
		e.discard(channel, discardUnmatched)
		return
	}
	p, ok := e.table.Resolve(channel, env.ID)
	if !ok {
		e.opMu.Unlock()
		e.discard(channel, discardUnmatched)
		return
	}
	e.releaseResponseInterestLocked(ctx, channel)
	e.mu.Lock()
	w, blocking := e.waiters[p.ID]
	delete(e.waiters, p.ID)
	e.mu.Unlock()
	e.opMu.Unlock()

	e.metrics.setPending(e.table.Len())
	e.delivered.Add(1)
	e.metrics.recordDelivered("response")
	if blocking {
		w <- reply{payload: env.Payload, from: env.From}
		return
	}
	e.handler.OnResponse(channel, p.Name, env.Payload, env.From)
}

// interested reports whether any of channels holds the interest.
func (e *Engine) interested(kind interest.Kind, channels ...string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range channels {
		if e.tracker.IsInterested(ch, kind) {
			return true
		}
	}
	return false
}

func (e *Engine) discard(where, reason string) {
	e.metrics.recordDiscarded(reason)
	e.logger.Debug("Discarding message", "channel", where, "reason", reason)
}
