// Package interest tracks why a channel's physical subscription is needed.
//
// A channel can be wanted for plain deliveries, for receiving responses to
// requests it issued, and for handling incoming requests. All three share one
// physical subscription: the tracker reports a Subscribe transition when the
// first interest appears and an Unsubscribe transition when the last one goes.
// It never talks to the transport itself.
//
// Tracker is not safe for concurrent use; the engine serializes access.
package interest

import (
	"fmt"
	"sort"

	"github.com/aperritano/Nutella/errors"
)

// Kind identifies one of the independent interests on a channel.
type Kind int

const (
	// Deliveries is the interest in plain published messages.
	Deliveries Kind = iota
	// IssueRequests is the interest in responses to requests sent on the channel.
	IssueRequests
	// HandleRequests is the interest in answering requests sent on the channel.
	HandleRequests
)

// String returns the name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case Deliveries:
		return "deliveries"
	case IssueRequests:
		return "issue_requests"
	case HandleRequests:
		return "handle_requests"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transition is the physical subscription change implied by an interest update.
type Transition int

const (
	// None means the physical subscription state is unchanged.
	None Transition = iota
	// Subscribe means the channel went from no interest to some interest.
	Subscribe
	// Unsubscribe means the last interest on the channel was cleared.
	Unsubscribe
)

// String returns a readable name for the transition.
func (t Transition) String() string {
	switch t {
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "none"
	}
}

// Record holds the interest flags of one channel.
type Record struct {
	WantDeliveries       bool
	WantToIssueRequests  bool
	WantToHandleRequests bool
}

// Subscribed reports whether any interest needs the physical subscription.
func (r Record) Subscribed() bool {
	return r.WantDeliveries || r.WantToIssueRequests || r.WantToHandleRequests
}

// Has reports whether the given interest is set.
func (r Record) Has(kind Kind) bool {
	switch kind {
	case Deliveries:
		return r.WantDeliveries
	case IssueRequests:
		return r.WantToIssueRequests
	case HandleRequests:
		return r.WantToHandleRequests
	}
	return false
}

func (r *Record) set(kind Kind, v bool) {
	switch kind {
	case Deliveries:
		r.WantDeliveries = v
	case IssueRequests:
		r.WantToIssueRequests = v
	case HandleRequests:
		r.WantToHandleRequests = v
	}
}

// Tracker holds one Record per channel ever touched. Records are kept with all
// flags false after their last interest is cleared.
type Tracker struct {
	records map[string]*Record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Mark sets an interest. Marking an interest that is already set returns the
// matching warning and None.
func (t *Tracker) Mark(channel string, kind Kind) (Transition, error) {
	rec, ok := t.records[channel]
	if !ok {
		rec = &Record{}
		t.records[channel] = rec
	}
	if rec.Has(kind) {
		return None, fmt.Errorf("channel %s: %w", channel, alreadyWarning(kind))
	}
	was := rec.Subscribed()
	rec.set(kind, true)
	if !was {
		return Subscribe, nil
	}
	return None, nil
}

// Clear unsets an interest. Clearing an interest that is not set returns the
// matching warning and None.
func (t *Tracker) Clear(channel string, kind Kind) (Transition, error) {
	rec, ok := t.records[channel]
	if !ok || !rec.Has(kind) {
		return None, fmt.Errorf("channel %s: %w", channel, notWarning(kind))
	}
	rec.set(kind, false)
	if !rec.Subscribed() {
		return Unsubscribe, nil
	}
	return None, nil
}

// Restore sets an interest back after a failed Subscribe transition was
// rolled back, or clears it if set is false. It bypasses warnings.
func (t *Tracker) Restore(channel string, kind Kind, set bool) {
	rec, ok := t.records[channel]
	if !ok {
		if !set {
			return
		}
		rec = &Record{}
		t.records[channel] = rec
	}
	rec.set(kind, set)
}

// IsInterested reports whether the channel currently holds the interest.
func (t *Tracker) IsInterested(channel string, kind Kind) bool {
	rec, ok := t.records[channel]
	return ok && rec.Has(kind)
}

// IsSubscribed reports whether the channel needs its physical subscription.
func (t *Tracker) IsSubscribed(channel string) bool {
	rec, ok := t.records[channel]
	return ok && rec.Subscribed()
}

// Get returns a copy of the channel's record.
func (t *Tracker) Get(channel string) (Record, bool) {
	rec, ok := t.records[channel]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Channels returns the sorted channels that hold the interest.
func (t *Tracker) Channels(kind Kind) []string {
	var out []string
	for ch, rec := range t.records {
		if rec.Has(kind) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribed returns the number of channels with an active physical subscription.
func (t *Tracker) Subscribed() int {
	n := 0
	for _, rec := range t.records {
		if rec.Subscribed() {
			n++
		}
	}
	return n
}

func alreadyWarning(kind Kind) error {
	switch kind {
	case IssueRequests:
		return errors.ErrAlreadyRequesting
	case HandleRequests:
		return errors.ErrAlreadyHandling
	default:
		return errors.ErrAlreadySubscribed
	}
}

func notWarning(kind Kind) error {
	switch kind {
	case IssueRequests:
		return errors.ErrNotRequesting
	case HandleRequests:
		return errors.ErrNotHandling
	default:
		return errors.ErrNotSubscribed
	}
}
