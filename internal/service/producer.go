package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/domain/notification"
)

// Notifier routes a notification to sockets.
type Notifier interface {
	Notify(ctx context.Context, n notification.Notification) int
}

// EventSubmitter publishes an event and returns it as accepted.
type EventSubmitter interface {
	Submit(ctx context.Context, ev event.SyncEvent) (event.SyncEvent, error)
}

// Producer is the entry point for business services that report changes
// or push notifications directly.
type Producer struct {
	events EventSubmitter
	notes  Notifier
}

// NewProducer creates a producer over the engine's publish and notify paths.
func NewProducer(events EventSubmitter, notes Notifier) *Producer {
	return &Producer{events: events, notes: notes}
}

// CreateEvent builds an event from a producer's operation name, publishes
// it and returns the accepted event, node id included.
func (p *Producer) CreateEvent(ctx context.Context, entity, operation, recordID string, data json.RawMessage, userID string) (event.SyncEvent, error) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return event.SyncEvent{}, fmt.Errorf("%w: table_name is required", domain.ErrValidation)
	}
	kind, err := event.KindFromOperation(operation)
	if err != nil {
		return event.SyncEvent{}, err
	}
	return p.events.Submit(ctx, event.New(kind, entity, recordID, data, userID))
}

// SendInstantNotification pushes a user notification to every session of
// userID and returns the number of sockets written.
func (p *Producer) SendInstantNotification(ctx context.Context, userID, title, message string, data json.RawMessage) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	n := notification.Instant(userID, title, message, data)
	if err := n.Validate(); err != nil {
		return 0, err
	}
	return p.notes.Notify(ctx, n), nil
}
