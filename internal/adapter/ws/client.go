package ws

import (
	"context"
	"sort"
	"time"

	"github.com/coder/websocket"
)

// Status is the lifecycle state of a client connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// socket is the part of *websocket.Conn the registry writes to.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one live socket session. Mutable fields are guarded by the
// owning Registry's lock.
type Client struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	Metadata    map[string]string

	sock   socket
	cancel context.CancelFunc

	status        Status
	lastHeartbeat time.Time
	subscriptions map[string]struct{}
}

// ClientInfo is a read-only snapshot of a Client.
type ClientInfo struct {
	ID            string            `json:"connection_id"`
	UserID        string            `json:"user_id"`
	Status        Status            `json:"status"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Subscriptions []string          `json:"subscriptions"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (c *Client) snapshot() ClientInfo {
	subs := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		subs = append(subs, ch)
	}
	sort.Strings(subs)
	return ClientInfo{
		ID:            c.ID,
		UserID:        c.UserID,
		Status:        c.status,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.lastHeartbeat,
		Subscriptions: subs,
		Metadata:      c.Metadata,
	}
}
