package testutil

import (
	"context"
	"sync"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/transport"
)

// Operations recorded by MockTransport.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

// Call is one recorded transport call.
type Call struct {
	Op    string
	Topic string
	Data  []byte
}

// MockTransport is an in-memory transport.Transport for tests.
// Thread-safe for concurrent use from multiple goroutines.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	listener  transport.Listener
	subs      *transport.SubscriptionSet
	calls     []Call
	connects  int

	connectErr   error
	subscribeErr map[string]error
	publishErr   error
	loopback     bool
	afterSub     func(topic string)
}

var _ transport.Transport = (*MockTransport)(nil)

// NewMockTransport creates a disconnected mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		listener:     transport.NopListener{},
		subs:         transport.NewSubscriptionSet(),
		subscribeErr: make(map[string]error),
	}
}

// SetLoopback makes Publish deliver to the listener when the topic is
// subscribed, like a broker echoing a client's own messages.
func (m *MockTransport) SetLoopback(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loopback = enabled
}

// FailConnect makes the following Connect calls return err. A nil err clears it.
func (m *MockTransport) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSubscribe makes Subscribe on topic return err. A nil err clears it.
func (m *MockTransport) FailSubscribe(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.subscribeErr, topic)
		return
	}
	m.subscribeErr[topic] = err
}

// FailPublish makes every Publish return err. A nil err clears it.
func (m *MockTransport) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// AfterSubscribe runs fn after every successful Subscribe, before Subscribe
// returns. A nil fn removes the hook.
func (m *MockTransport) AfterSubscribe(fn func(topic string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterSub = fn
}

// SetListener installs the event receiver.
func (m *MockTransport) SetListener(l transport.Listener) {
	if l == nil {
		l = transport.NopListener{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *MockTransport) currentListener() transport.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// Connect marks the transport connected and notifies the listener.
func (m *MockTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.connects++
	l := m.listener
	m.mu.Unlock()

	l.OnConnected()
	return nil
}

// Close disconnects and notifies the listener with a nil error.
func (m *MockTransport) Close(_ context.Context) error {
	m.mu.Lock()
	was := m.connected
	m.connected = false
	m.subs.Clear()
	l := m.listener
	m.mu.Unlock()

	if was {
		l.OnConnectionClosed(nil)
	}
	return nil
}

// Drop simulates a lost connection: subscriptions are forgotten and the
// listener is told with err.
func (m *MockTransport) Drop(err error) {
	if err == nil {
		err = errors.ErrConnectionLost
	}
	m.mu.Lock()
	m.connected = false
	m.subs.Clear()
	l := m.listener
	m.mu.Unlock()

	l.OnConnectionClosed(err)
}

// IsConnected reports the simulated connection state.
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe records the call and adds topic to the subscription set.
func (m *MockTransport) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotConnected, "MockTransport", "Subscribe", "subscribe "+topic)
	}
	m.calls = append(m.calls, Call{Op: OpSubscribe, Topic: topic})
	if err := m.subscribeErr[topic]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.subs.Add(topic)
	hook := m.afterSub
	m.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	return nil
}

// Unsubscribe records the call and removes topic from the subscription set.
func (m *MockTransport) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpUnsubscribe, Topic: topic})
	m.subs.Remove(topic)
	return nil
}

// Publish records the call. With loopback enabled a subscribed topic is
// delivered back to the listener before Publish returns.
func (m *MockTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrNotConnected, "MockTransport", "Publish", "publish "+topic)
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	copied := append([]byte(nil), data...)
	m.calls = append(m.calls, Call{Op: OpPublish, Topic: topic, Data: copied})
	_, wild := m.subs.WildcardFor(topic)
	echo := m.loopback && (m.subs.Has(topic) || wild)
	l := m.listener
	m.mu.Unlock()

	if echo {
		l.OnMessage(topic, copied)
	}
	return nil
}

// WildcardSubscribed reports the wildcard subscription topic matches.
func (m *MockTransport) WildcardSubscribed(topic string) (string, bool) {
	return m.subs.WildcardFor(topic)
}

// Deliver hands an inbound message to the listener as a broker would,
// regardless of subscriptions.
func (m *MockTransport) Deliver(topic string, data []byte) {
	m.currentListener().OnMessage(topic, data)
}

// Calls returns every recorded call in order.
func (m *MockTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the recorded calls of one operation.
func (m *MockTransport) CallsFor(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called on topic.
func (m *MockTransport) Count(op, topic string) int {
	n := 0
	for _, c := range m.CallsFor(op) {
		if c.Topic == topic {
			n++
		}
	}
	return n
}

// Published returns the payloads published on topic, oldest first.
func (m *MockTransport) Published(topic string) [][]byte {
	var out [][]byte
	for _, c := range m.CallsFor(OpPublish) {
		if c.Topic == topic {
			out = append(out, c.Data)
		}
	}
	return out
}

// Subscriptions returns the currently subscribed topics.
func (m *MockTransport) Subscriptions() []string {
	return m.subs.List()
}

// Connects returns how many times the transport went from disconnected to connected.
func (m *MockTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Reset forgets recorded calls.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
