package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Status is the coarse health of the underlying link.
type Status int

const (
	StatusDown Status = iota
	StatusUp
)

// Transport moves opaque event payloads between this client and the realtime
// backend, one ordered stream per channel key. Implementations must deliver
// events for a given key in arrival order; no ordering is guaranteed across
// keys.
type Transport interface {
	// Subscribe opens the stream for a key. A nil error is the transport-level
	// subscription acknowledgment; the returned channel closes when the
	// context is cancelled or the link drops.
	Subscribe(ctx context.Context, key string) (<-chan *message.Message, error)

	// Publish sends one payload on a key.
	Publish(key string, payload []byte) error

	Close() error
}

// Reconnectable is implemented by transports whose link can drop and be
// re-established. In-process transports never go down and don't implement it.
type Reconnectable interface {
	// Connect (re-)establishes the link. Safe to call repeatedly.
	Connect(ctx context.Context) error

	// StatusChanges reports link transitions. The channel is never closed by
	// the transport.
	StatusChanges() <-chan Status
}
