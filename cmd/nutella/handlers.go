package main

import (
	"encoding/json"
	"log/slog"

	"github.com/aperritano/Nutella/engine"
	"github.com/aperritano/Nutella/envelope"
)

// componentHandler logs deliveries and answers requests with their own
// payload. Only the -echo channels are registered for requests.
type componentHandler struct {
	logger *slog.Logger
}

var _ engine.Handler = (*componentHandler)(nil)

func (h *componentHandler) OnMessage(channel string, payload json.RawMessage, from envelope.Sender) {
	h.logger.Info("Message received",
		"channel", channel,
		"from_component", from.ComponentID(),
		"payload", string(payload))
}

func (h *componentHandler) OnResponse(channel, requestName string, payload json.RawMessage, from envelope.Sender) {
	h.logger.Info("Response received",
		"channel", channel,
		"request_name", requestName,
		"from_component", from.ComponentID(),
		"payload", string(payload))
}

func (h *componentHandler) OnRequest(channel string, payload json.RawMessage, from envelope.Sender) any {
	h.logger.Debug("Echoing request", "channel", channel, "from_component", from.ComponentID())
	return payload
}
