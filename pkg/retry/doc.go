// Package retry runs an operation with exponential backoff.
//
// Do stops early when the operation returns an error classified as fatal by
// the errors package, so configuration mistakes are not retried:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return tr.Connect(ctx)
//	})
//
// Reconnect(delay) is the preset the engine uses after a lost connection. It
// waits delay before the first retry and never gives up on its own; cancel the
// context to stop it. OnRetry is the hook for logging each failed attempt.
package retry
