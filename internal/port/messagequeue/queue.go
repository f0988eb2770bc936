// Package messagequeue defines the pub/sub port used by the cross-process bridge.
package messagequeue

import "context"

// Handler processes a message received from the shared backend.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for fire-and-forget fan-out messaging: every
// subscribed process receives every message published after it subscribed.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error

	// IsConnected reports whether the backend is currently reachable.
	IsConnected() bool
}

// SubjectEvents is the default subject carrying serialized SyncEvents.
const SubjectEvents = "synchub.events"
