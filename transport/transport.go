// Package transport defines the topic bus the Nutella engine runs on.
//
// The engine needs very little from a bus: subscribe, unsubscribe and publish
// on string topics with at-most-once delivery, plus notifications for inbound
// messages and connection changes. Implementations live in natsclient,
// mqttclient and p2pclient; testutil provides an in-memory one.
//
// Topics are MQTT style: slash separated, with "#" as a trailing multi-level
// wildcard. Buses with a different syntax translate at their edge (see
// ToSubject).
package transport

import "context"

// Listener receives transport events. Implementations must not block for long;
// the engine queues inbound messages before dispatching them.
type Listener interface {
	// OnMessage is called once per inbound message with the concrete topic.
	OnMessage(topic string, data []byte)
	// OnConnected is called after every successful (re)connection.
	OnConnected()
	// OnConnectionClosed is called when an established connection drops.
	// err is nil for a requested Close.
	OnConnectionClosed(err error)
}

// Transport is a topic based publish/subscribe connection.
type Transport interface {
	// Connect establishes the connection. It is also used to reconnect after
	// the connection was lost; implementations restore nothing on their own.
	Connect(ctx context.Context) error
	// Close disconnects. Subscriptions are forgotten.
	Close(ctx context.Context) error
	// IsConnected reports whether the connection is currently usable.
	IsConnected() bool
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	// WildcardSubscribed reports the wildcard subscription an inbound topic
	// falls under, whether or not the topic is also subscribed exactly. It
	// returns false when no wildcard matches.
	WildcardSubscribed(topic string) (string, bool)
	// SetListener installs the event receiver. It must be called before Connect.
	SetListener(l Listener)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnMessage(string, []byte) {}
func (NopListener) OnConnected()            {}
func (NopListener) OnConnectionClosed(error) {}
