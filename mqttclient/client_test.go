package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aperritano/Nutella/errors"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost", "tcp://localhost:1883"},
		{"localhost:1884", "tcp://localhost:1884"},
		{"tcp://broker.local", "tcp://broker.local:1883"},
		{"ssl://broker.local:8883", "ssl://broker.local:8883"},
		{" 10.0.0.5 ", "tcp://10.0.0.5:1883"},
		{"ws://broker.local:9001/", "ws://broker.local:9001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := BrokerURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := BrokerURL("")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("localhost")
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:1883", c.Broker())
	assert.Len(t, c.ClientID(), len("nutella-")+12)

	other, err := NewClient("localhost")
	require.NoError(t, err)
	assert.NotEqual(t, c.ClientID(), other.ClientID())

	c, err = NewClient("localhost", WithClientID("lamp-1"), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "lamp-1", c.ClientID())

	_, err = NewClient("localhost", WithClientID(""))
	assert.True(t, errors.IsInvalid(err))
	_, err = NewClient("localhost", WithTimeout(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("localhost")
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.IsConnected())

	err = c.Subscribe(ctx, "/nutella/apps/a/runs/r/ch")
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	assert.True(t, errors.IsTransient(err))

	err = c.Publish(ctx, "/nutella/apps/a/runs/r/ch", []byte("{}"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	err = c.Publish(ctx, "/nutella/apps/a/runs/r/#", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidTopic)

	assert.NoError(t, c.Unsubscribe(ctx, "/nutella/apps/a/runs/r/ch"))
}

func TestClient_ConnectUnreachable(t *testing.T) {
	c, err := NewClient("tcp://127.0.0.1:1", WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, c.IsConnected())
}

func TestClient_Close(t *testing.T) {
	c, err := NewClient("localhost")
	require.NoError(t, err)
	l := newRecordingListener()
	c.SetListener(l)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, []error{nil}, l.closedErrors())

	err = c.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

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

func (l *recordingListener) closedErrors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.closed...)
}

// startMosquitto runs an anonymous mosquitto broker, skipping the test when no
// container provider is available.
func startMosquitto(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("container provider panicked: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "eclipse-mosquitto:2",
				ExposedPorts: []string{"1883/tcp"},
				Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
				WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("mosquitto container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "1883")
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func TestIntegration_PubSubAndWildcard(t *testing.T) {
	broker := startMosquitto(t)
	ctx := context.Background()

	c, err := NewClient(broker)
	require.NoError(t, err)
	l := newRecordingListener()
	c.SetListener(l)
	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)

	const (
		exact = "/nutella/apps/a/runs/r/lights"
		wild  = "/nutella/apps/a/runs/r/sensors/#"
		leaf  = "/nutella/apps/a/runs/r/sensors/temp/1"
	)
	require.NoError(t, c.Subscribe(ctx, exact))
	require.NoError(t, c.Subscribe(ctx, wild))

	require.NoError(t, c.Publish(ctx, exact, []byte(`{"on":true}`)))
	require.NoError(t, c.Publish(ctx, leaf, []byte(`{"c":21}`)))

	require.Eventually(t, func() bool {
		return l.count(exact) == 1 && l.count(leaf) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := c.WildcardSubscribed(leaf)
	assert.True(t, ok)
	assert.Equal(t, wild, got)
	_, ok = c.WildcardSubscribed(exact)
	assert.False(t, ok)

	require.NoError(t, c.Unsubscribe(ctx, exact))
	assert.Equal(t, []string{wild}, c.Subscriptions())
}
