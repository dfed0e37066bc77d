package testutil

import (
	"fmt"

	"github.com/aperritano/Nutella/envelope"
)

// Peer is the sender stamped on fixture envelopes.
var Peer = envelope.NewSender("wallcology", "default", "peer")

// PublishEnvelope returns a publish envelope from Peer carrying the raw JSON payload.
func PublishEnvelope(payload string) []byte {
	return mustEncode(envelope.Envelope{Kind: envelope.KindPublish, From: Peer, Payload: []byte(payload)})
}

// RequestEnvelope returns a request envelope from Peer.
func RequestEnvelope(id int64, payload string) []byte {
	return mustEncode(envelope.Envelope{Kind: envelope.KindRequest, ID: id, From: Peer, Payload: []byte(payload)})
}

// ResponseEnvelope returns a response envelope from Peer.
func ResponseEnvelope(id int64, payload string) []byte {
	return mustEncode(envelope.Envelope{Kind: envelope.KindResponse, ID: id, From: Peer, Payload: []byte(payload)})
}

// MalformedEnvelopes holds inbound bytes that must never reach a callback,
// keyed by a short description.
var MalformedEnvelopes = map[string][]byte{
	"not json":        []byte("lights on"),
	"json array":      []byte(`[1,2,3]`),
	"truncated":       []byte(`{"type":"publish","from":{`),
	"missing from":    []byte(`{"type":"publish","payload":{"x":1}}`),
	"null from":       []byte(`{"type":"publish","from":null,"payload":{"x":1}}`),
	"from not object": []byte(`{"type":"publish","from":"peer","payload":{"x":1}}`),
	"missing type":    []byte(`{"from":{"type":"run"},"payload":{"x":1}}`),
	"unknown type":    []byte(`{"type":"broadcast","from":{"type":"run"},"payload":{"x":1}}`),
	"request no id":   []byte(`{"type":"request","from":{"type":"run"},"payload":{}}`),
	"response no id":  []byte(`{"type":"response","from":{"type":"run"},"payload":{}}`),
	"string id":       []byte(`{"id":"7","type":"response","from":{"type":"run"},"payload":{}}`),
	"fractional id":   []byte(`{"id":7.5,"type":"request","from":{"type":"run"},"payload":{}}`),
	"publish no body": []byte(`{"type":"publish","from":{"type":"run"}}`),
	"publish with id": []byte(`{"id":3,"type":"publish","from":{"type":"run"},"payload":{}}`),
	"empty":           {},
}

func mustEncode(e envelope.Envelope) []byte {
	data, err := envelope.Encode(e)
	if err != nil {
		panic(fmt.Sprintf("testutil: encode fixture: %v", err))
	}
	return data
}
