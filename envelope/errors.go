package envelope

import (
	"fmt"

	"github.com/aperritano/Nutella/errors"
)

// Decode failure reasons.
const (
	ReasonMalformed      = "malformed"
	ReasonMissingSender  = "missing_sender"
	ReasonMissingType    = "missing_type"
	ReasonMissingID      = "missing_id"
	ReasonBadID          = "bad_id"
	ReasonMissingPayload = "missing_payload"
	ReasonUnknownType    = "unknown_type"
)

// DecodeError reports why inbound bytes were not a valid envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func newDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope decode: %s: %v", e.Reason, e.Err)
	}
	return "envelope decode: " + e.Reason
}

// Unwrap exposes errors.ErrInvalidData so decode failures classify as invalid.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{errors.ErrInvalidData, e.Err}
	}
	return []error{errors.ErrInvalidData}
}
