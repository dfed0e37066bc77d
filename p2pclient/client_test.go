package p2pclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperritano/Nutella/errors"
)

type recordingListener struct {
	mu        sync.Mutex
	messages  map[string][][]byte
	connected int
	closed    []error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{messages: make(map[string][][]byte)}
}

func (l *recordingListener) OnMessage(topic string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[topic] = append(l.messages[topic], append([]byte(nil), data...))
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingListener) OnConnectionClosed(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, err)
}

func (l *recordingListener) count(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages[topic])
}

func newLoopbackClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithListenAddrs("/ip4/127.0.0.1/tcp/0")}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient(WithListenAddrs("not-a-multiaddr"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewClient(WithMDNS(""))
	require.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	c := newLoopbackClient(t)
	ctx := context.Background()

	assert.False(t, c.IsConnected())
	assert.Empty(t, c.PeerID())

	err := c.Subscribe(ctx, "/nutella/apps/a/runs/r/ch")
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	err = c.Publish(ctx, "/nutella/apps/a/runs/r/ch", []byte("{}"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	assert.NoError(t, c.Unsubscribe(ctx, "/nutella/apps/a/runs/r/ch"))
}

func TestClient_RejectsWildcards(t *testing.T) {
	c := newLoopbackClient(t)
	ctx := context.Background()

	err := c.Subscribe(ctx, "/nutella/apps/a/runs/r/#")
	assert.ErrorIs(t, err, errors.ErrInvalidTopic)
	assert.True(t, errors.IsInvalid(err))

	err = c.Publish(ctx, "/nutella/apps/a/runs/r/#", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidTopic)

	_, ok := c.WildcardSubscribed("/nutella/apps/a/runs/r/ch")
	assert.False(t, ok)
}

func TestClient_SelfDelivery(t *testing.T) {
	c := newLoopbackClient(t)
	l := newRecordingListener()
	c.SetListener(l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.NotEmpty(t, c.PeerID())
	assert.NotEmpty(t, c.Addrs())

	const topic = "/nutella/apps/a/runs/r/lights"
	require.NoError(t, c.Subscribe(ctx, topic))
	require.NoError(t, c.Subscribe(ctx, topic), "second subscribe is a no-op")
	assert.Equal(t, []string{topic}, c.Subscriptions())

	require.NoError(t, c.Publish(ctx, topic, []byte(`{"on":true}`)))
	require.Eventually(t, func() bool { return l.count(topic) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Unsubscribe(ctx, topic))
	assert.Empty(t, c.Subscriptions())
	require.NoError(t, c.Publish(ctx, topic, []byte(`{"on":false}`)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, l.count(topic))

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.False(t, c.IsConnected())

	l.mu.Lock()
	assert.Equal(t, 1, l.connected)
	assert.Equal(t, []error{nil}, l.closed)
	l.mu.Unlock()

	err := c.Connect(ctx)
	assert.True(t, errors.IsFatal(err))
}

func TestClient_TwoPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping two-peer gossip test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := newLoopbackClient(t)
	require.NoError(t, a.Connect(ctx))
	defer a.Close(ctx)

	b := newLoopbackClient(t, WithBootstrap(a.Addrs()...))
	lb := newRecordingListener()
	b.SetListener(lb)
	require.NoError(t, b.Connect(ctx))
	defer b.Close(ctx)

	require.Eventually(t, func() bool { return len(b.Peers()) > 0 }, 5*time.Second, 20*time.Millisecond)

	const topic = "/nutella/apps/a/runs/r/chat"
	require.NoError(t, a.Subscribe(ctx, topic))
	require.NoError(t, b.Subscribe(ctx, topic))

	// The mesh forms on gossipsub heartbeats; keep publishing until b hears one.
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, topic, []byte(`{"text":"hi"}`))
		return lb.count(topic) > 0
	}, 20*time.Second, 250*time.Millisecond)
}
