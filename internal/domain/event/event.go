// Package event defines the SyncEvent domain entity: an immutable fact about
// a change to one record.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/synchub/internal/domain"
)

// Kind identifies what happened to the record.
type Kind string

const (
	KindCreated Kind = "data_created"
	KindUpdated Kind = "data_updated"
	KindDeleted Kind = "data_deleted"

	// Engine lifecycle kinds
	KindSyncStarted   Kind = "sync_started"
	KindSyncCompleted Kind = "sync_completed"
	KindSyncFailed    Kind = "sync_failed"

	// Conflict kinds carry detection only; no resolution policy is applied.
	KindConflictDetected Kind = "conflict_detected"
	KindConflictResolved Kind = "conflict_resolved"
)

var validKinds = map[Kind]bool{
	KindCreated:          true,
	KindUpdated:          true,
	KindDeleted:          true,
	KindSyncStarted:      true,
	KindSyncCompleted:    true,
	KindSyncFailed:       true,
	KindConflictDetected: true,
	KindConflictResolved: true,
}

// Valid reports whether k belongs to the event vocabulary.
func (k Kind) Valid() bool { return validKinds[k] }

// Verb returns the short form of a data kind ("created", "updated", ...).
func (k Kind) Verb() string {
	return strings.TrimPrefix(string(k), "data_")
}

// KindFromOperation maps a storage or producer operation name onto the
// event vocabulary. Matching is case-insensitive.
func KindFromOperation(op string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "insert", "create", "created":
		return KindCreated, nil
	case "update", "updated":
		return KindUpdated, nil
	case "delete", "deleted":
		return KindDeleted, nil
	}
	k := Kind(strings.ToLower(strings.TrimSpace(op)))
	if k.Valid() {
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, op)
}

// SyncEvent is a single change to one record. Events are treated as values
// and never mutated once published; the payload is an opaque JSON document
// owned by the producer of the entity.
type SyncEvent struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"event_type"`
	Entity    string            `json:"table_name"`
	RecordID  string            `json:"record_id"`
	Payload   json.RawMessage   `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	UserID    string            `json:"user_id,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh id and the current time.
func New(kind Kind, entity, recordID string, payload json.RawMessage, userID string) SyncEvent {
	return SyncEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Entity:    entity,
		RecordID:  recordID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
	}
}

// WithNode returns a copy of e stamped with the originating node.
func (e SyncEvent) WithNode(nodeID string) SyncEvent {
	e.NodeID = nodeID
	return e
}

// Validate checks that the event carries the fields every consumer relies on.
func (e *SyncEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: invalid event type %q", domain.ErrValidation, e.Kind)
	}
	if e.Entity == "" {
		return fmt.Errorf("%w: table_name is required", domain.ErrValidation)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: data is not valid JSON", domain.ErrValidation)
	}
	return nil
}

// EntityChannel is the channel every subscriber of an entity listens on.
func EntityChannel(entity string) string {
	return "table_" + entity
}

// RecordChannel is the channel scoped to a single record of an entity.
func RecordChannel(entity, recordID string) string {
	return EntityChannel(entity) + ":" + recordID
}
