// Package memlog implements the audit log port as an in-process ring buffer.
package memlog

import (
	"context"
	"sync"

	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/port/eventlog"
)

// Log keeps the most recent events up to its capacity. The oldest entry
// is overwritten once the buffer is full.
type Log struct {
	mu    sync.Mutex
	buf   []event.SyncEvent
	next  int
	count int
}

var _ eventlog.Log = (*Log)(nil)

// New creates a log bounded to capacity entries (at least one).
func New(capacity int64) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{buf: make([]event.SyncEvent, capacity)}
}

// Append stores a copy of the event, evicting the oldest when full.
func (l *Log) Append(_ context.Context, ev *event.SyncEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = *ev
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	return nil
}

// Len returns the number of stored events.
func (l *Log) Len(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.count), nil
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(_ context.Context, limit int64) ([]event.SyncEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.count
	if limit >= 0 && int(limit) < n {
		n = int(limit)
	}
	out := make([]event.SyncEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out, nil
}
