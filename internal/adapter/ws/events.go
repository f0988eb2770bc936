package ws

import (
	"encoding/json"
	"time"
)

// Frame type constants of the socket protocol.
const (
	// client -> server
	FramePing        = "ping"
	FramePong        = "pong"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSendMessage = "send_message"

	// server -> client
	FrameWelcome      = "welcome"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameNotification = "notification"
	FrameAuthError    = "auth_error"
	FrameMessage      = "message"
	FrameError        = "error"
)

// Relay targets accepted by send_message.
const (
	TargetUser      = "user"
	TargetChannel   = "channel"
	TargetBroadcast = "broadcast"
)

// inbound is the union of every client -> server frame, including the
// handshake, which carries only token and user_id.
type inbound struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	TargetType string          `json:"target_type,omitempty"`
	Target     string          `json:"target,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Token      string          `json:"token,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
}

// WelcomeFrame is sent once after a successful handshake.
type WelcomeFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    string `json:"timestamp"`
}

// SimpleFrame carries only a type (ping, pong).
type SimpleFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChannelFrame acknowledges subscribe / unsubscribe.
type ChannelFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ErrorFrame reports a rejected handshake or a bad client frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RelayFrame carries a client-to-client send_message payload.
type RelayFrame struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
