// Package errors classifies the failures of the Nutella overlay.
//
// # Classes
//
//   - Transient: transport failures (publish/subscribe errors, lost connection,
//     timeouts). Surfaced to the caller of the triggering operation; the overlay
//     itself never retries them, except the reconnect procedure.
//   - Invalid: bad input such as an empty channel name or an envelope that does
//     not decode.
//   - Fatal: configuration errors, for example an incomplete namespace context.
//
// # Protocol warnings
//
// Double subscribe, unsubscribe when not subscribed and the request-handling
// equivalents are reported as sentinel errors (ErrAlreadySubscribed,
// ErrNotSubscribed, ...). The engine logs them and turns the operation into a
// no-op; IsWarning identifies them.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "Engine", "Publish", "send envelope")
//	errors.WrapInvalid(err, "Engine", "Subscribe", "validate channel")
//	errors.WrapFatal(err, "Resolver", "ToPhysical", "resolve namespace")
package errors
