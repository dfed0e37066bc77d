package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/aperritano/Nutella/errors"
	"github.com/aperritano/Nutella/transport"
)

// Subscribe subscribes to a slash topic. The topic is mapped to a NATS subject
// with transport.ToSubject; deliveries are reported with the topic mapped back.
func (m *Client) Subscribe(_ context.Context, topic string) error {
	subject, err := transport.ToSubject(topic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "subscribe "+topic)
	}
	if _, ok := m.subs[topic]; ok {
		return nil
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		m.currentListener().OnMessage(transport.FromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		m.metrics.RecordError(transportName, "subscribe")
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+topic)
	}

	m.subs[topic] = sub
	m.topics.Add(topic)
	m.logger.Debug("Subscribed", "topic", topic, "subject", subject)
	return nil
}

// Unsubscribe removes the subscription for topic. Unknown topics are ignored.
func (m *Client) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[topic]
	if !ok {
		return nil
	}
	delete(m.subs, topic)
	m.topics.Remove(topic)

	if err := sub.Unsubscribe(); err != nil {
		m.metrics.RecordError(transportName, "unsubscribe")
		return errors.WrapTransient(err, "Client", "Unsubscribe", "unsubscribe "+topic)
	}
	m.logger.Debug("Unsubscribed", "topic", topic)
	return nil
}

// Publish sends data on topic. Wildcard topics are rejected.
func (m *Client) Publish(_ context.Context, topic string, data []byte) error {
	if transport.IsWildcard(topic) {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Client", "Publish", "publish to wildcard "+topic)
	}
	subject, err := transport.ToSubject(topic)
	if err != nil {
		return err
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "publish "+topic)
	}
	if err := conn.Publish(subject, data); err != nil {
		m.metrics.RecordError(transportName, "publish")
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "Client", "Publish", "publish "+topic)
	}
	return nil
}

// WildcardSubscribed reports the wildcard subscription topic was delivered through.
func (m *Client) WildcardSubscribed(topic string) (string, bool) {
	return m.topics.WildcardFor(topic)
}

// Subscriptions returns the currently subscribed topics.
func (m *Client) Subscriptions() []string {
	return m.topics.List()
}
