// Package tap serves a live WebSocket view of the traffic an engine hands to
// its application.
//
// A Tap wraps an engine.Handler. Every delivered message, request and matched
// response is passed on to the wrapped handler unchanged and then broadcast to
// the connected WebSocket clients as a JSON Frame:
//
//	{"type":"message","id":"…","timestamp":1700000000000,"channel":"echo_out",
//	 "from":{"type":"run","app_id":"crepe","run_id":"default","component_id":"c1"},
//	 "payload":{"x":1}}
//
// Clients only receive frames; anything they send is read and discarded so
// that control frames (ping, close) are processed. Slow clients are dropped
// after a write deadline rather than slowing dispatch down.
//
// The server also answers GET /health with the aggregated status of a
// health.Monitor when one is configured.
//
// Usage:
//
//	t, err := tap.New(8082, "/tap", handler, tap.WithChannels("sensors/#"))
//	eng, err := engine.New(transport, ns, t)
//	go t.Start(ctx)
//	defer t.Stop(5 * time.Second)
package tap
