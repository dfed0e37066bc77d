// Package engine implements the Nutella protocol on top of a transport.Transport.
//
// An Engine owns one application run's namespace. It turns channel operations
// into physical topic subscriptions, encodes and decodes envelopes, matches
// responses to the requests that caused them and dispatches inbound traffic
// to a Handler.
//
// # Interests
//
// A channel can be wanted for three independent reasons: plain deliveries
// (Subscribe), responses to requests issued on it (AsyncRequest, Request) and
// incoming requests (HandleRequest). They share one physical subscription,
// which is made when the first interest appears and dropped when the last one
// goes. Repeating an operation that is already in effect, or undoing one that
// is not, is logged as a warning and otherwise ignored.
//
// Inbound envelopes only reach the Handler method matching an interest that is
// currently held, so a channel both subscribed and awaiting a response never
// delivers the response to OnMessage or a publish to OnResponse.
//
// # Requests
//
// AsyncRequest registers a pending request under a fresh correlation id and
// returns immediately; the matching response is handed to OnResponse with the
// request name given by the caller. Pending requests never time out unless
// WithRequestExpiry is set. Request is the blocking form and is bounded by its
// context.
//
// A Handler answers requests by returning a value from OnRequest. The answer
// is published on the exact topic the request arrived on. Returning nil sends
// nothing.
//
// # Concurrency
//
// Operations may be called from any goroutine. Inbound messages are queued and
// dispatched one at a time on a single worker, so Handler methods never run
// concurrently with each other. A Handler may call engine operations, but must
// not block in Request: the response it waits for is dispatched by the same
// worker.
//
// # Recovery
//
// When the transport reports a lost connection the engine waits a fixed delay,
// then reconnects with exponential backoff. After reconnecting, channels
// subscribed for plain deliveries are subscribed again. Request issuing and
// request handling interests are not restored.
//
//	eng, err := engine.New(tr, engine.Namespace{AppID: "crepe", RunID: "default"}, handler,
//		engine.WithLogger(logger),
//		engine.WithMetrics(registry),
//	)
//	if err != nil {
//		return err
//	}
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	defer eng.Close(context.Background())
//
//	if err := eng.Subscribe(ctx, "lights"); err != nil {
//		return err
//	}
//	id, err := eng.AsyncRequest(ctx, "thermostat", map[string]any{"get": "setpoint"}, "setpoint")
package engine
