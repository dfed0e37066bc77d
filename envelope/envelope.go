package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aperritano/Nutella/errors"
)

// Kind is the role of an envelope in the protocol.
type Kind int

const (
	// KindPublish is a fire-and-forget broadcast.
	KindPublish Kind = iota
	// KindRequest expects a response carrying the same id.
	KindRequest
	// KindResponse answers a request.
	KindResponse
)

// String returns the wire value of the kind.
func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Sender keys and the fixed sender type.
const (
	KeyType        = "type"
	KeyRunID       = "run_id"
	KeyAppID       = "app_id"
	KeyComponentID = "component_id"

	SenderTypeRun = "run"
)

// Sender describes the component that produced an envelope. Inbound senders
// keep only the string-valued keys that were present on the wire.
type Sender map[string]string

// NewSender builds the descriptor this process stamps on outgoing envelopes.
func NewSender(appID, runID, componentID string) Sender {
	return Sender{
		KeyType:        SenderTypeRun,
		KeyRunID:       runID,
		KeyAppID:       appID,
		KeyComponentID: componentID,
	}
}

// AppID returns the sender's application id, or "".
func (s Sender) AppID() string { return s[KeyAppID] }

// RunID returns the sender's run id, or "".
func (s Sender) RunID() string { return s[KeyRunID] }

// ComponentID returns the sender's component id, or "".
func (s Sender) ComponentID() string { return s[KeyComponentID] }

// Envelope is a decoded wire unit.
type Envelope struct {
	Kind Kind
	// ID is the correlation id. It is meaningful for requests and responses only.
	ID      int64
	From    Sender
	Payload json.RawMessage
}

// HasPayload reports whether a non-null payload was carried.
func (e Envelope) HasPayload() bool {
	return len(e.Payload) > 0 && !bytes.Equal(e.Payload, null)
}

type wireOut struct {
	ID      *int64          `json:"id,omitempty"`
	From    Sender          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireIn struct {
	ID      json.RawMessage `json:"id"`
	From    json.RawMessage `json:"from"`
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var null = []byte("null")

// EncodePublish encodes a publish envelope.
func EncodePublish(from Sender, payload any) ([]byte, error) {
	return encode(from, nil, KindPublish, payload)
}

// EncodeRequest encodes a request envelope with correlation id id.
func EncodeRequest(from Sender, id int64, payload any) ([]byte, error) {
	return encode(from, &id, KindRequest, payload)
}

// EncodeResponse encodes a response envelope answering request id.
func EncodeResponse(from Sender, id int64, payload any) ([]byte, error) {
	return encode(from, &id, KindResponse, payload)
}

// Encode encodes e. Publishes are written without an id.
func Encode(e Envelope) ([]byte, error) {
	if e.Kind == KindPublish {
		return encode(e.From, nil, e.Kind, e.Payload)
	}
	id := e.ID
	return encode(e.From, &id, e.Kind, e.Payload)
}

func encode(from Sender, id *int64, kind Kind, payload any) ([]byte, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "Encode", "marshal "+kind.String()+" payload")
	}
	if from == nil {
		from = Sender{}
	}
	data, err := json.Marshal(wireOut{ID: id, From: from, Type: kind.String(), Payload: raw})
	if err != nil {
		return nil, errors.WrapInvalid(err, "envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: raw payload is not valid JSON", errors.ErrInvalidData)
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Decode parses data into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var w wireIn
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, newDecodeError(ReasonMalformed, err)
	}

	from, ok := parseSender(w.From)
	if !ok {
		return Envelope{}, newDecodeError(ReasonMissingSender, nil)
	}
	if w.Type == nil {
		return Envelope{}, newDecodeError(ReasonMissingType, nil)
	}

	env := Envelope{From: from}
	if len(w.Payload) > 0 && !bytes.Equal(w.Payload, null) {
		env.Payload = w.Payload
	}

	id, hasID, err := parseID(w.ID)
	if err != nil {
		return Envelope{}, err
	}

	switch *w.Type {
	case "request", "response":
		if !hasID {
			return Envelope{}, newDecodeError(ReasonMissingID, nil)
		}
		env.ID = id
		env.Kind = KindRequest
		if *w.Type == "response" {
			env.Kind = KindResponse
		}
	case "publish":
		if hasID {
			return Envelope{}, newDecodeError(ReasonUnknownType, fmt.Errorf("publish with id %d", id))
		}
		if !env.HasPayload() {
			return Envelope{}, newDecodeError(ReasonMissingPayload, nil)
		}
		env.Kind = KindPublish
	default:
		return Envelope{}, newDecodeError(ReasonUnknownType, fmt.Errorf("type %q", *w.Type))
	}
	return env, nil
}

// parseSender accepts any JSON object and keeps its string values.
func parseSender(raw json.RawMessage) (Sender, bool) {
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	from := make(Sender, len(fields))
	for k, v := range fields {
		if len(v) == 0 || v[0] != '"' {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			from[k] = s
		}
	}
	return from, true
}

func parseID(raw json.RawMessage) (int64, bool, error) {
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return 0, false, nil
	}
	if raw[0] == '"' {
		return 0, false, newDecodeError(ReasonBadID, fmt.Errorf("id is a string"))
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, newDecodeError(ReasonBadID, err)
	}
	if id, err := n.Int64(); err == nil {
		return id, true, nil
	}
	// Integral numbers written with a fraction or exponent, such as 7.0 or
	// 7e2, are accepted.
	f, err := n.Float64()
	if err != nil {
		return 0, false, newDecodeError(ReasonBadID, err)
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false, newDecodeError(ReasonBadID, fmt.Errorf("id %s is not an integer", n))
	}
	return int64(f), true, nil
}
