// Package eventlog defines the bounded audit log port.
package eventlog

import (
	"context"

	"github.com/Strob0t/synchub/internal/domain/event"
)

// Log is an append-only audit trail of published events. Implementations
// keep at most a fixed number of entries, trimming the oldest first.
type Log interface {
	Append(ctx context.Context, ev *event.SyncEvent) error
	Len(ctx context.Context) (int64, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int64) ([]event.SyncEvent, error)
}
