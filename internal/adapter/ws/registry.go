package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	telemetry "github.com/Strob0t/synchub/internal/adapter/otel"
	"github.com/Strob0t/synchub/internal/config"
	"github.com/Strob0t/synchub/internal/port/authn"
	"github.com/Strob0t/synchub/internal/port/broadcast"
)

// Registry owns every live client connection and the user and channel
// indices over them. The three views (conns, users, rooms) are only
// changed together under mu, through insert, removeAll, subscribe and
// unsubscribe.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
	users map[string]map[string]struct{}
	rooms map[string]map[string]struct{}

	validator         authn.Validator
	metrics           *telemetry.Metrics
	heartbeatInterval time.Duration
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration
	now               func() time.Time // for testing
}

var _ broadcast.Broadcaster = (*Registry)(nil)

// NewRegistry creates an empty registry that authenticates handshakes
// with validator.
func NewRegistry(cfg config.WS, validator authn.Validator) *Registry {
	return &Registry{
		conns:             make(map[string]*Client),
		users:             make(map[string]map[string]struct{}),
		rooms:             make(map[string]map[string]struct{}),
		validator:         validator,
		heartbeatInterval: cfg.HeartbeatInterval,
		handshakeTimeout:  cfg.HandshakeTimeout,
		writeTimeout:      cfg.WriteTimeout,
		now:               time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (r *Registry) SetMetrics(m *telemetry.Metrics) { r.metrics = m }

func (r *Registry) newClient(sock socket, cancel context.CancelFunc, userID string, meta map[string]string) *Client {
	now := r.now()
	return &Client{
		ID:            uuid.NewString(),
		UserID:        userID,
		ConnectedAt:   now,
		Metadata:      meta,
		sock:          sock,
		cancel:        cancel,
		status:        StatusConnected,
		lastHeartbeat: now,
		subscriptions: make(map[string]struct{}),
	}
}

// insert adds c to every index.
func (r *Registry) insert(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	addToIndex(r.users, c.UserID, c.ID)
	for ch := range c.subscriptions {
		addToIndex(r.rooms, ch, c.ID)
	}
}

// removeAll drops id from every index and reports the removed client.
// Must be called with mu held.
func (r *Registry) removeAll(id string) (*Client, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	removeFromIndex(r.users, c.UserID, id)
	for ch := range c.subscriptions {
		removeFromIndex(r.rooms, ch, id)
	}
	c.status = StatusDisconnected
	return c, true
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// Cleanup removes the connection from all indices and closes its socket.
// Calling it for an unknown or already removed id is a no-op.
func (r *Registry) Cleanup(id string) bool {
	return r.cleanup(id, websocket.StatusNormalClosure, "")
}

func (r *Registry) cleanup(id string, code websocket.StatusCode, reason string) bool {
	r.mu.Lock()
	c, ok := r.removeAll(id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.sock != nil {
		_ = c.sock.Close(code, reason)
	}
	slog.Info("websocket disconnected", "connection_id", id, "user_id", c.UserID, "reason", reason)
	return true
}

// Subscribe adds channel to the connection's subscriptions. It reports
// false only when the connection is unknown; subscribing twice is a no-op.
func (r *Registry) Subscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, already := c.subscriptions[channel]; already {
		return true
	}
	c.subscriptions[channel] = struct{}{}
	addToIndex(r.rooms, channel, id)
	return true
}

// Unsubscribe removes channel from the connection's subscriptions.
// It reports false only when the connection is unknown.
func (r *Registry) Unsubscribe(id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, subscribed := c.subscriptions[channel]; !subscribed {
		return true
	}
	delete(c.subscriptions, channel)
	removeFromIndex(r.rooms, channel, id)
	return true
}

// touch records a heartbeat for the connection.
func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.lastHeartbeat = r.now()
		c.status = StatusConnected
	}
}

// SendToConnection writes msg to a single connection.
func (r *Registry) SendToConnection(ctx context.Context, id string, msg any) int {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.deliver(ctx, []*Client{c}, msg)
}

// SendToUser writes msg to every connection of userID.
func (r *Registry) SendToUser(ctx context.Context, userID string, msg any) int {
	return r.deliver(ctx, r.collect(r.users, userID), msg)
}

// SendToChannel writes msg to every subscriber of channel.
func (r *Registry) SendToChannel(ctx context.Context, channel string, msg any) int {
	return r.deliver(ctx, r.collect(r.rooms, channel), msg)
}

// Broadcast writes msg to every connection.
func (r *Registry) Broadcast(ctx context.Context, msg any) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	return r.deliver(ctx, targets, msg)
}

func (r *Registry) collect(idx map[string]map[string]struct{}, key string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := idx[key]
	targets := make([]*Client, 0, len(set))
	for id := range set {
		if c, ok := r.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	return targets
}

// deliver marshals msg once and writes it to every target outside the
// lock. Connections whose write fails are cleaned up. Writes are bounded
// by writeTimeout only; the caller's cancellation does not reach the
// sockets, so a departed caller cannot fail a healthy connection.
func (r *Registry) deliver(ctx context.Context, targets []*Client, msg any) int {
	if len(targets) == 0 {
		return 0
	}
	ctx = context.WithoutCancel(ctx)

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return 0
	}

	sent := 0
	for _, c := range targets {
		if err := r.write(ctx, c, data); err != nil {
			slog.Debug("websocket write failed", "connection_id", c.ID, "error", err)
			r.markError(c.ID)
			r.cleanup(c.ID, websocket.StatusInternalError, "write failed")
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) write(ctx context.Context, c *Client, data []byte) error {
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	return c.sock.Write(ctx, websocket.MessageText, data)
}

func (r *Registry) markError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.status = StatusError
	}
}

// Stats returns connection, user and channel counts plus a status breakdown.
func (r *Registry) Stats() broadcast.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byStatus := make(map[string]int)
	for _, c := range r.conns {
		byStatus[string(c.status)]++
	}
	return broadcast.Stats{
		TotalConnections: len(r.conns),
		UniqueUsers:      len(r.users),
		ActiveChannels:   len(r.rooms),
		ByStatus:         byStatus,
	}
}

// Client returns a snapshot of the connection with the given id.
func (r *Registry) Client(id string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return ClientInfo{}, false
	}
	return c.snapshot(), true
}

// ChannelMembers returns the connection ids subscribed to channel.
func (r *Registry) ChannelMembers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[channel]))
	for id := range r.rooms[channel] {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionCount returns the number of active connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close disconnects every client. Used at shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.cleanup(id, websocket.StatusGoingAway, "server shutting down")
	}
}
