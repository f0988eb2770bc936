// Package broadcast defines the port through which the dispatch engine
// reaches live client connections.
package broadcast

import "context"

// Stats is a point-in-time view of the connection registry.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	UniqueUsers      int            `json:"unique_users"`
	ActiveChannels   int            `json:"active_channels"`
	ByStatus         map[string]int `json:"connections_by_status"`
}

// Broadcaster delivers a message to connected clients. Each method returns
// the number of connections the message was written to; failed connections
// are cleaned up by the implementation and are not reported as errors.
type Broadcaster interface {
	SendToUser(ctx context.Context, userID string, msg any) int
	SendToChannel(ctx context.Context, channel string, msg any) int
	Broadcast(ctx context.Context, msg any) int
	Stats() Stats
}
