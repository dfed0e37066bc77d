package engine

import (
	"fmt"
	"time"

	"github.com/aperritano/Nutella/errors"
)

// sweepExpired periodically drops pending requests older than the request
// expiry age. It runs only when WithRequestExpiry is set.
func (e *Engine) sweepExpired() {
	defer e.wg.Done()

	interval := e.requestExpiry / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < readyPollInterval {
		interval = readyPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.expirePending()
		}
	}
}

func (e *Engine) expirePending() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	expired := e.table.Expire(e.requestExpiry)
	if len(expired) == 0 {
		return
	}

	released := make(map[string]bool, len(expired))
	for _, p := range expired {
		e.mu.Lock()
		w, blocking := e.waiters[p.ID]
		delete(e.waiters, p.ID)
		e.mu.Unlock()
		if blocking {
			w <- reply{err: errors.WrapTransient(
				fmt.Errorf("%w: expired after %s", errors.ErrRequestCancelled, e.requestExpiry),
				"Engine", "Request", "await response on "+p.Channel)}
		}
		if !released[p.Channel] {
			released[p.Channel] = true
			e.releaseResponseInterestLocked(e.ctx, p.Channel)
		}
	}

	e.metrics.recordExpired(len(expired), e.table.Len())
	e.logger.Warn("Dropped unanswered requests", "count", len(expired), "max_age", e.requestExpiry)
}
