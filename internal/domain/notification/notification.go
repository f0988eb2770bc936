// Package notification defines the outward-facing RealTimeNotification
// derived from one or more SyncEvents.
package notification

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
)

// Kind identifies the purpose of a notification.
type Kind string

const (
	KindRealTimeUpdate   Kind = "real_time_update"
	KindSystemAlert      Kind = "system_alert"
	KindUserNotification Kind = "user_notification"
	KindSyncStatus       Kind = "sync_status"
	KindError            Kind = "error"
	KindSuccess          Kind = "success"
)

// Priority orders notifications for external delivery channels.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Notification is a RealTimeNotification. TargetUserID, when set, wins over
// TargetChannel.
type Notification struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"notification_type"`
	Title         string          `json:"title"`
	Message       string          `json:"message"`
	Payload       json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	TargetUserID  string          `json:"target_user_id,omitempty"`
	TargetChannel string          `json:"target_channel,omitempty"`
	Priority      Priority        `json:"priority"`
}

// Frame is the socket representation: the notification fields flattened
// next to a "type":"notification" discriminator.
type Frame struct {
	Type string `json:"type"`
	Notification
}

// Frame wraps n for delivery over a client socket.
func (n Notification) Frame() Frame {
	return Frame{Type: "notification", Notification: n}
}

// Validate checks that the notification can be routed.
func (n *Notification) Validate() error {
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if n.TargetUserID == "" && n.TargetChannel == "" {
		return fmt.Errorf("%w: target user or channel is required", domain.ErrValidation)
	}
	return nil
}

// UpdatePayload is the payload of a notification derived from one event.
type UpdatePayload struct {
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	EventType event.Kind      `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	EventID   string          `json:"event_id"`
}

// BatchPayload summarizes a group of events for one entity.
type BatchPayload struct {
	Table      string       `json:"table"`
	Count      int          `json:"count"`
	EventTypes []event.Kind `json:"event_types"`
	RecordIDs  []string     `json:"record_ids"`
}

// FromEvent derives the notification sent to channel for a single event.
func FromEvent(ev *event.SyncEvent, channel string, priority Priority) Notification {
	payload, _ := json.Marshal(UpdatePayload{
		Table:     ev.Entity,
		RecordID:  ev.RecordID,
		EventType: ev.Kind,
		Data:      ev.Payload,
		UserID:    ev.UserID,
		EventID:   ev.ID,
	})
	return Notification{
		ID:            uuid.NewString(),
		Kind:          KindRealTimeUpdate,
		Title:         fmt.Sprintf("Data %s", ev.Kind.Verb()),
		Message:       fmt.Sprintf("Record %s in %s was %s", ev.RecordID, ev.Entity, ev.Kind.Verb()),
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		TargetChannel: channel,
		Priority:      priority,
	}
}

// FromBatch aggregates events of one entity into a single notification.
// Event types are reported once each, in sorted order.
func FromBatch(entity string, events []event.SyncEvent, priority Priority) Notification {
	seen := make(map[event.Kind]bool)
	kinds := make([]event.Kind, 0, 3)
	ids := make([]string, 0, len(events))
	for i := range events {
		if !seen[events[i].Kind] {
			seen[events[i].Kind] = true
			kinds = append(kinds, events[i].Kind)
		}
		ids = append(ids, events[i].RecordID)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	payload, _ := json.Marshal(BatchPayload{
		Table:      entity,
		Count:      len(events),
		EventTypes: kinds,
		RecordIDs:  ids,
	})
	return Notification{
		ID:            uuid.NewString(),
		Kind:          KindRealTimeUpdate,
		Title:         fmt.Sprintf("Batch update: %s", entity),
		Message:       fmt.Sprintf("%d changes in %s", len(events), entity),
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		TargetChannel: event.EntityChannel(entity),
		Priority:      priority,
	}
}

// Instant builds a user-targeted notification from the producer API.
func Instant(userID, title, message string, data json.RawMessage) Notification {
	return Notification{
		ID:           uuid.NewString(),
		Kind:         KindUserNotification,
		Title:        title,
		Message:      message,
		Payload:      data,
		Timestamp:    time.Now().UTC(),
		TargetUserID: userID,
		Priority:     PriorityNormal,
	}
}
