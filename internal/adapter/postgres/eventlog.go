package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/port/eventlog"
)

// EventLog keeps the audit trail in the synchub_event_log table. Rows past
// the capacity are deleted oldest first in the same transaction as the
// insert.
type EventLog struct {
	pool *pgxpool.Pool
	max  int64
}

var _ eventlog.Log = (*EventLog)(nil)

// NewEventLog stores at most capacity events.
func NewEventLog(pool *pgxpool.Pool, capacity int64) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{pool: pool, max: capacity}
}

// Append inserts the event and trims the table.
func (l *EventLog) Append(ctx context.Context, ev *event.SyncEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO synchub_event_log (event_id, event_type, table_name, record_id, node_id, body)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
			ev.ID, string(ev.Kind), ev.Entity, ev.RecordID, ev.NodeID, body,
		).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM synchub_event_log WHERE seq <= $1`, seq-l.max)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

// Len returns the number of stored rows.
func (l *EventLog) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, `SELECT count(*) FROM synchub_event_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("event log length: %w", err)
	}
	return n, nil
}

// Recent returns up to limit events, newest first. Rows that fail to
// decode are skipped.
func (l *EventLog) Recent(ctx context.Context, limit int64) ([]event.SyncEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.pool.Query(ctx, `SELECT body FROM synchub_event_log ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("event log range: %w", err)
	}
	defer rows.Close()

	out := make([]event.SyncEvent, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.SyncEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
