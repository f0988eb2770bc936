// Package changefeed defines the storage boundary used by change detection.
package changefeed

import (
	"context"
	"encoding/json"
)

// Change is the notification payload emitted by a row-level trigger.
type Change struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	RecordID  json.RawMessage `json:"id"` // string or number, depending on the key column
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"` // epoch seconds
}

// Storage installs triggers and streams their notifications.
type Storage interface {
	// InstallTrigger (re)creates the row-level trigger for entity.
	InstallTrigger(ctx context.Context, entity string) error

	// Listen blocks delivering raw payloads from channel until ctx ends
	// or the connection fails.
	Listen(ctx context.Context, channel string, handler func(payload []byte)) error
}
