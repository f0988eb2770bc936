// Package notifier defines the external delivery port (email, chat webhooks,
// push) that mirrors real-time notifications outside the socket channel.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	UserID   string          `json:"user_id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Kind     string          `json:"kind"`     // notification kind, e.g. "real_time_update"
	Priority string          `json:"priority"` // "low", "normal", "high", "critical"
	Data     json.RawMessage `json:"data,omitempty"`
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	PerUser        bool `json:"per_user"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "slack", "email").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
