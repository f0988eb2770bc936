package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// HeartbeatSweep evicts connections whose last heartbeat is older than
// twice the heartbeat interval and pings the rest. It returns the number
// of evicted connections.
func (r *Registry) HeartbeatSweep(ctx context.Context) int {
	now := r.now()
	deadline := now.Add(-2 * r.heartbeatInterval)

	var stale []string
	var alive []*Client
	r.mu.RLock()
	for id, c := range r.conns {
		if c.lastHeartbeat.Before(deadline) {
			stale = append(stale, id)
			continue
		}
		alive = append(alive, c)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, id := range stale {
		if r.cleanup(id, websocket.StatusPolicyViolation, "heartbeat timeout") {
			evicted++
		}
	}
	if evicted > 0 {
		if r.metrics != nil {
			r.metrics.ConnectionsEvicted.Add(ctx, int64(evicted))
		}
		slog.Info("heartbeat sweep evicted connections", "count", evicted)
	}

	r.deliver(ctx, alive, SimpleFrame{Type: FramePing, Timestamp: timestamp(now)})
	return evicted
}

// RunHeartbeat runs HeartbeatSweep every heartbeat interval until ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.HeartbeatSweep(ctx)
		}
	}
}
