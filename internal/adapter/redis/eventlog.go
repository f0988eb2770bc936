package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/port/eventlog"
)

// EventLog keeps the audit trail in a capped Redis list shared by every
// process. New entries are pushed to the head.
type EventLog struct {
	rdb *redis.Client
	key string
	max int64
}

var _ eventlog.Log = (*EventLog)(nil)

// NewEventLog stores at most capacity events under key.
func NewEventLog(rdb *redis.Client, key string, capacity int64) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{rdb: rdb, key: key, max: capacity}
}

// Append pushes the event and trims the list in one transaction.
func (l *EventLog) Append(ctx context.Context, ev *event.SyncEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, l.key, b)
	pipe.LTrim(ctx, l.key, 0, l.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append event log: %w", err)
	}
	return nil
}

// Len returns the list length.
func (l *EventLog) Len(ctx context.Context) (int64, error) {
	n, err := l.rdb.LLen(ctx, l.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis event log length: %w", err)
	}
	return n, nil
}

// Recent returns up to limit events, newest first. Entries that fail to
// decode are skipped.
func (l *EventLog) Recent(ctx context.Context, limit int64) ([]event.SyncEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := l.rdb.LRange(ctx, l.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis event log range: %w", err)
	}
	out := make([]event.SyncEvent, 0, len(vals))
	for _, v := range vals {
		var ev event.SyncEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
