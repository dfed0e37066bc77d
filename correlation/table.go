package correlation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aperritano/Nutella/errors"
)

// maxDraws is how many colliding candidates Register tolerates before giving up.
const maxDraws = 16

// Pending is one outstanding request.
type Pending struct {
	ID       int64
	Channel  string
	Name     string
	Payload  any
	IssuedAt time.Time
}

// Table holds outstanding requests keyed by correlation id. It is safe for
// concurrent use.
type Table struct {
	mu         sync.Mutex
	gen        IDGenerator
	pending    map[int64]*Pending
	perChannel map[string]int
	now        func() time.Time
}

// NewTable creates a table. A nil generator selects NewCheckedRandom.
func NewTable(gen IDGenerator) *Table {
	if gen == nil {
		gen = NewCheckedRandom()
	}
	return &Table{
		gen:        gen,
		pending:    make(map[int64]*Pending),
		perChannel: make(map[string]int),
		now:        time.Now,
	}
}

// Register allocates an id unique among outstanding requests and stores the
// pending entry.
func (t *Table) Register(channel, name string, payload any) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < maxDraws; i++ {
		id := t.gen.Next()
		if _, taken := t.pending[id]; taken {
			continue
		}
		p := &Pending{
			ID:       id,
			Channel:  channel,
			Name:     name,
			Payload:  payload,
			IssuedAt: t.now(),
		}
		t.pending[id] = p
		t.perChannel[channel]++
		return p, nil
	}
	return nil, errors.WrapFatal(
		fmt.Errorf("%w after %d draws", errors.ErrIDSpaceExhausted, maxDraws),
		"Table", "Register", "allocate correlation id")
}

// Resolve removes and returns the entry for id if it was issued on channel.
// Responses arriving on a different channel leave the entry in place.
func (t *Table) Resolve(channel string, id int64) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok || p.Channel != channel {
		return nil, false
	}
	t.removeLocked(p)
	return p, true
}

// Remove drops the entry for id regardless of channel.
func (t *Table) Remove(id int64) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	t.removeLocked(p)
	return p, true
}

// Lookup returns the entry for id without removing it.
func (t *Table) Lookup(id int64) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Outstanding returns the number of pending requests issued on channel.
func (t *Table) Outstanding(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perChannel[channel]
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Expire removes entries issued more than maxAge ago and returns them ordered
// by issue time.
func (t *Table) Expire(maxAge time.Duration) []*Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	var expired []*Pending
	for _, p := range t.pending {
		if p.IssuedAt.Before(cutoff) {
			expired = append(expired, p)
		}
	}
	for _, p := range expired {
		t.removeLocked(p)
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].IssuedAt.Before(expired[j].IssuedAt)
	})
	return expired
}

func (t *Table) removeLocked(p *Pending) {
	delete(t.pending, p.ID)
	t.perChannel[p.Channel]--
	if t.perChannel[p.Channel] <= 0 {
		delete(t.perChannel, p.Channel)
	}
}
