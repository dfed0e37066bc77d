// Package nutella is a request/response and publish/subscribe overlay for
// components of a Nutella application run, layered on a plain pub/sub
// transport such as an MQTT broker, a NATS server or a libp2p gossip mesh.
//
// # Overview
//
// Every component of a run shares one topic namespace:
//
//	/<root>/apps/<app_id>/runs/<run_id>/<channel>
//
// Components exchange JSON envelopes on channels inside that namespace. An
// envelope is a publish (fire and forget), a request carrying a correlation
// id, or a response echoing the id of the request it answers. Responses are
// published on the same channel as their request.
//
// # Architecture
//
//	application ── engine.Handler callbacks
//	     │
//	engine.Engine ── interest.Tracker   (which channels are wanted, and why)
//	     │        ── correlation.Table  (outstanding request ids)
//	     │        ── envelope codec     (defensive wire parsing)
//	     │        ── topic.Resolver     (logical channel <-> physical topic)
//	     │
//	transport.Transport ── mqttclient | natsclient | p2pclient
//
// A channel can be wanted for plain deliveries, for the responses to requests
// issued on it, and for incoming requests, all at the same time. The three
// interests share one physical subscription: the engine subscribes when the
// first interest appears and unsubscribes when the last one goes away.
//
// # Framework Packages
//
//   - topic: namespace resolution and channel validation
//   - interest: per-channel interest bookkeeping
//   - correlation: pending request table and id generators
//   - envelope: wire format encoding and decoding
//   - engine: the protocol engine, dispatch and connection recovery
//   - transport: the transport contract and topic matching helpers
//   - mqttclient, natsclient, p2pclient: transport implementations
//   - tap: WebSocket monitor for live traffic
//   - config: JSON, YAML and TOML configuration with NUTELLA_* overrides
//   - errors, metric, health: classified errors, Prometheus metrics, health
//   - pkg/retry, pkg/worker: reconnect backoff and the inbound dispatch queue
//
// # Binary
//
// cmd/nutella runs a component from a configuration file: it can log
// subscribed channels, answer requests by echoing them, serve metrics and a
// tap, or perform a single publish or request and exit.
package nutella
