package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aperritano/Nutella/correlation"
	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/metric"
)

const (
	defaultReadyTimeout   = 10 * time.Second
	defaultReconnectDelay = time.Second
	defaultQueueSize      = 1000
	readyPollInterval     = 10 * time.Millisecond
	stopTimeout           = 5 * time.Second

	// Warn-level log budget: warnLogRate per second with bursts of warnLogBurst.
	warnLogRate  = 10
	warnLogBurst = 20
)

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithIDGenerator sets the correlation id source. The default draws random
// ids below correlation.MaxRandomID and skips ids still outstanding.
func WithIDGenerator(gen correlation.IDGenerator) Option {
	return func(e *Engine) error {
		if gen == nil {
			return fmt.Errorf("%w: nil id generator", errors.ErrInvalidConfig)
		}
		e.idGen = gen
		return nil
	}
}

// WithReadyTimeout bounds how long an operation waits for the transport to
// become connected.
func WithReadyTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("%w: ready timeout must be positive", errors.ErrInvalidConfig)
		}
		e.readyTimeout = d
		return nil
	}
}

// WithReconnectDelay sets the fixed wait between a lost connection and the
// first reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("%w: reconnect delay must be positive", errors.ErrInvalidConfig)
		}
		e.reconnectDelay = d
		return nil
	}
}

// WithRequestExpiry drops pending requests older than d, releasing their
// response interest. Zero, the default, keeps pending requests forever.
func WithRequestExpiry(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("%w: request expiry must not be negative", errors.ErrInvalidConfig)
		}
		e.requestExpiry = d
		return nil
	}
}

// WithQueueSize sets the inbound queue capacity. Messages arriving while the
// queue is full are dropped.
func WithQueueSize(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("%w: queue size must be positive", errors.ErrInvalidConfig)
		}
		e.queueSize = n
		return nil
	}
}

// WithMetrics registers engine and inbound queue metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) error {
		e.registry = registry
		return nil
	}
}
