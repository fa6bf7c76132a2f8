package chat

import "github.com/pkg/errors"

// Failure taxonomy for the realtime layer. Nothing here is fatal: every kind
// maps to a visible, recoverable UI state. Raw transport errors are wrapped
// into one of these before crossing a component boundary.
var (
	// ErrTransport covers subscribe/send failures on the underlying link.
	// The Connection Supervisor retries these with backoff.
	ErrTransport = errors.New("transport failure")

	// ErrWriteFailed means the server of record rejected a send. The message
	// is marked failed and kept visible for a user-driven retry.
	ErrWriteFailed = errors.New("write rejected")

	// ErrReconcileAmbiguous means fallback matching could not confidently
	// pair a pending message with a remote one. The pending entry is kept
	// until its confirmation timeout.
	ErrReconcileAmbiguous = errors.New("ambiguous reconciliation")

	// ErrStaleSubscription marks events for a key no longer of interest.
	// Callers drop these silently.
	ErrStaleSubscription = errors.New("stale subscription")

	// ErrQueueFull is returned when an outbound publish would exceed the
	// bounded pre-activation queue. Fail fast rather than grow without bound
	// during a prolonged disconnect.
	ErrQueueFull = errors.New("publish queue full")
)
