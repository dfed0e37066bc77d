package engine

import (
	"encoding/json"

	"github.com/aperritano/Nutella/envelope"
)

// Handler receives inbound traffic. Methods are called from a single
// goroutine, one envelope at a time.
type Handler interface {
	// OnMessage receives a published message on a subscribed channel.
	OnMessage(channel string, payload json.RawMessage, from envelope.Sender)
	// OnResponse receives the response to a request issued with AsyncRequest.
	// requestName is the name given to AsyncRequest, possibly empty.
	OnResponse(channel, requestName string, payload json.RawMessage, from envelope.Sender)
	// OnRequest answers a request on a handled channel. A nil result sends no
	// response; any other value is encoded as the response payload.
	OnRequest(channel string, payload json.RawMessage, from envelope.Sender) any
}

// HandlerFuncs adapts plain functions to Handler. Nil fields ignore the event.
type HandlerFuncs struct {
	Message  func(channel string, payload json.RawMessage, from envelope.Sender)
	Response func(channel, requestName string, payload json.RawMessage, from envelope.Sender)
	Request  func(channel string, payload json.RawMessage, from envelope.Sender) any
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnMessage(channel string, payload json.RawMessage, from envelope.Sender) {
	if h.Message != nil {
		h.Message(channel, payload, from)
	}
}

func (h HandlerFuncs) OnResponse(channel, requestName string, payload json.RawMessage, from envelope.Sender) {
	if h.Response != nil {
		h.Response(channel, requestName, payload, from)
	}
}

func (h HandlerFuncs) OnRequest(channel string, payload json.RawMessage, from envelope.Sender) any {
	if h.Request != nil {
		return h.Request(channel, payload, from)
	}
	return nil
}

// Response is the answer returned by Request.
type Response struct {
	Channel string
	Payload json.RawMessage
	From    envelope.Sender
}

// reply is handed from dispatch to a goroutine blocked in Request.
type reply struct {
	payload json.RawMessage
	from    envelope.Sender
	err     error
}

// isEmptyReply reports whether an OnRequest result suppresses the response.
func isEmptyReply(v any) bool {
	switch r := v.(type) {
	case nil:
		return true
	case json.RawMessage:
		return len(r) == 0
	default:
		return false
	}
}
