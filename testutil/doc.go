// Package testutil provides in-memory test doubles for Nutella packages.
//
// MockTransport implements transport.Transport without a broker. It records
// every subscribe, unsubscribe and publish call, lets tests inject inbound
// messages and connection drops, and can be told to fail individual calls:
//
//	tr := testutil.NewMockTransport()
//	eng, _ := engine.New(tr, engine.Namespace{AppID: "crepe", RunID: "default"}, handler)
//	_ = eng.Start(ctx)
//
//	tr.Deliver("/nutella/apps/crepe/runs/default/lights", testutil.PublishEnvelope(`{"on":true}`))
//	tr.Drop(errors.New("broker gone"))
//
// The fixtures in envelopes.go build well-formed and malformed wire envelopes
// for dispatch tests.
package testutil
