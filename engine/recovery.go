package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/interest"
	"github.com/aperritano/Nutella/pkg/retry"
)

// recovery tracks reconnection after an unexpected connection loss.
type recovery struct {
	group  singleflight.Group
	active atomic.Bool
}

// OnConnected implements transport.Listener. It restores the subscriptions
// of channels that still want deliveries. Request interests are not
// restored: responses to requests sent before the loss are not expected.
func (e *Engine) OnConnected() {
	e.metrics.recordConnected(true)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	channels := e.tracker.Channels(interest.Deliveries)
	epoch := e.epoch
	e.mu.Unlock()

	restored := 0
	for _, channel := range channels {
		e.mu.Lock()
		live := e.live[channel]
		e.mu.Unlock()
		if live {
			continue
		}
		physical, err := e.resolver.ToPhysical(channel)
		if err != nil {
			continue
		}
		if err := e.transport.Subscribe(e.ctx, physical); err != nil {
			e.metrics.recordTransportCall("subscribe", err)
			e.recordError(err)
			e.logger.Warn("Failed to restore subscription", "channel", channel, "error", err)
			continue
		}
		e.metrics.recordTransportCall("subscribe", nil)
		if !e.setLive(channel, epoch) {
			return
		}
		restored++
	}

	if e.recovery.active.Swap(false) || restored > 0 {
		e.logger.Info("Connection established", "restored_subscriptions", restored)
	}
}

// OnConnectionClosed implements transport.Listener. A nil error is an
// orderly close. Any other error starts a background reconnect that waits
// the reconnect delay and retries with backoff until the engine closes.
func (e *Engine) OnConnectionClosed(err error) {
	e.metrics.recordConnected(false)

	e.mu.Lock()
	e.epoch++
	clear(e.live)
	e.metrics.setSubscriptions(0)
	e.mu.Unlock()

	if err == nil || e.closed.Load() {
		e.logger.Info("Connection closed")
		return
	}

	e.recordError(err)
	e.logger.Warn("Connection lost", "error", err, "reconnect_delay", e.reconnectDelay)
	e.goBackground(func() {
		_, _, _ = e.recovery.group.Do("reconnect", func() (any, error) {
			return nil, e.reconnect(e.ctx)
		})
	})
}

func (e *Engine) reconnect(ctx context.Context) error {
	e.recovery.active.Store(true)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.reconnectDelay):
	}

	cfg := retry.Reconnect(e.reconnectDelay)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		e.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err, "next_attempt_in", next)
	}
	if err := retry.Do(ctx, cfg, e.transport.Connect); err != nil {
		if !e.closed.Load() {
			e.recordError(err)
			e.logger.Error("Giving up on reconnect", "error", err)
		}
		return errors.Wrap(err, "Engine", "reconnect", "reconnect transport")
	}

	e.metrics.recordReconnect()
	return nil
}
