package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/synchub/internal/config"
)

// fakeSocket records writes and can be told to fail them. Like a real
// socket, a write on a finished context fails.
type fakeSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	failing bool
	closed  bool
}

func (f *fakeSocket) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failing {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), p...))
	return nil
}

func (f *fakeSocket) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSocket) last(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("expected at least one frame")
	}
	var m map[string]any
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func testConfig() config.WS {
	return config.WS{
		HeartbeatInterval: 10 * time.Second,
		HandshakeTimeout:  time.Second,
		WriteTimeout:      time.Second,
	}
}

func addClient(r *Registry, userID string) (*Client, *fakeSocket) {
	sock := &fakeSocket{}
	c := r.newClient(sock, nil, userID, nil)
	r.insert(c)
	return c, sock
}

// assertConsistent checks that the three indices agree.
func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch, members := range r.rooms {
		if len(members) == 0 {
			t.Errorf("room %q is empty but still indexed", ch)
		}
		for id := range members {
			c, ok := r.conns[id]
			if !ok {
				t.Errorf("room %q references unknown connection %s", ch, id)
				continue
			}
			if _, sub := c.subscriptions[ch]; !sub {
				t.Errorf("connection %s in room %q without subscription", id, ch)
			}
		}
	}
	for id, c := range r.conns {
		for ch := range c.subscriptions {
			if _, ok := r.rooms[ch][id]; !ok {
				t.Errorf("connection %s subscribed to %q but missing from room", id, ch)
			}
		}
		if _, ok := r.users[c.UserID][id]; !ok {
			t.Errorf("connection %s missing from user index %q", id, c.UserID)
		}
	}
	for uid, ids := range r.users {
		for id := range ids {
			if c, ok := r.conns[id]; !ok || c.UserID != uid {
				t.Errorf("user index %q references stale connection %s", uid, id)
			}
		}
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	if r.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", r.ConnectionCount())
	}
	stats := r.Stats()
	if stats.TotalConnections != 0 || stats.UniqueUsers != 0 || stats.ActiveChannels != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}

func TestIndexConsistency(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a, _ := addClient(r, "alice")
	b, _ := addClient(r, "bob")
	a2, _ := addClient(r, "alice")

	ops := []func(){
		func() { r.Subscribe(a.ID, "table_orders") },
		func() { r.Subscribe(a.ID, "table_orders") },
		func() { r.Subscribe(b.ID, "table_orders") },
		func() { r.Subscribe(a2.ID, "table_invoices") },
		func() { r.Unsubscribe(a.ID, "table_orders") },
		func() { r.Unsubscribe(a.ID, "table_orders") },
		func() { r.Subscribe(a.ID, "table_users") },
		func() { r.Cleanup(b.ID) },
		func() { r.Cleanup(b.ID) },
		func() { r.Subscribe(b.ID, "table_orders") },
	}
	for _, op := range ops {
		op()
		assertConsistent(t, r)
	}

	stats := r.Stats()
	if stats.TotalConnections != 2 {
		t.Errorf("expected 2 connections, got %d", stats.TotalConnections)
	}
	if stats.UniqueUsers != 1 {
		t.Errorf("expected 1 unique user, got %d", stats.UniqueUsers)
	}
	if stats.ActiveChannels != 2 {
		t.Errorf("expected 2 channels (invoices, users), got %d", stats.ActiveChannels)
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	if r.Subscribe("missing", "x") {
		t.Fatal("expected false for unknown connection")
	}
	if r.Unsubscribe("missing", "x") {
		t.Fatal("expected false for unknown connection")
	}
	if len(r.rooms) != 0 {
		t.Fatal("expected no rooms for unknown connection")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	c, sock := addClient(r, "alice")
	r.Subscribe(c.ID, "table_orders")

	if !r.Cleanup(c.ID) {
		t.Fatal("expected first cleanup to remove the connection")
	}
	if r.Cleanup(c.ID) {
		t.Fatal("expected second cleanup to be a no-op")
	}
	if !sock.closed {
		t.Fatal("expected socket to be closed")
	}
	if _, ok := r.Client(c.ID); ok {
		t.Fatal("expected connection to be gone")
	}
	assertConsistent(t, r)
}

func TestSendToChannelPrunesFailedConnection(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	const n = 4
	socks := make([]*fakeSocket, 0, n)
	for range n {
		c, sock := addClient(r, "user")
		r.Subscribe(c.ID, "table_orders")
		socks = append(socks, sock)
	}
	socks[1].failing = true

	sent := r.SendToChannel(context.Background(), "table_orders", map[string]string{"type": "test"})
	if sent != n-1 {
		t.Fatalf("expected %d deliveries, got %d", n-1, sent)
	}
	if got := len(r.ChannelMembers("table_orders")); got != n-1 {
		t.Fatalf("expected failed connection pruned, %d members left", got)
	}
	if !socks[1].closed {
		t.Fatal("expected failed socket closed")
	}

	// Remaining connections still receive.
	sent = r.SendToChannel(context.Background(), "table_orders", map[string]string{"type": "again"})
	if sent != n-1 {
		t.Fatalf("expected %d deliveries, got %d", n-1, sent)
	}
	assertConsistent(t, r)
}

func TestSendWithCancelledCallerKeepsConnections(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a, sa := addClient(r, "alice")
	r.Subscribe(a.ID, "table_orders")
	_, sb := addClient(r, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := r.SendToUser(ctx, "alice", map[string]string{"type": "hi"}); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if got := r.SendToChannel(ctx, "table_orders", map[string]string{"type": "hi"}); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if r.ConnectionCount() != 2 || sa.closed || sb.closed {
		t.Fatalf("healthy sockets evicted: count=%d", r.ConnectionCount())
	}
	assertConsistent(t, r)
}

func TestSendToUserAllSessions(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, s1 := addClient(r, "alice")
	_, s2 := addClient(r, "alice")
	_, s3 := addClient(r, "bob")

	sent := r.SendToUser(context.Background(), "alice", map[string]string{"type": "hi"})
	if sent != 2 {
		t.Fatalf("expected 2, got %d", sent)
	}
	if s1.count() != 1 || s2.count() != 1 || s3.count() != 0 {
		t.Fatalf("unexpected frame counts %d %d %d", s1.count(), s2.count(), s3.count())
	}
	if r.SendToUser(context.Background(), "nobody", "x") != 0 {
		t.Fatal("expected 0 for unknown user")
	}
}

func TestBroadcastAndSendToConnection(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a, sa := addClient(r, "alice")
	_, sb := addClient(r, "bob")

	if got := r.Broadcast(context.Background(), map[string]string{"type": "all"}); got != 2 {
		t.Fatalf("expected broadcast to 2, got %d", got)
	}
	if got := r.SendToConnection(context.Background(), a.ID, map[string]string{"type": "one"}); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := r.SendToConnection(context.Background(), "missing", "x"); got != 0 {
		t.Fatalf("expected 0 for unknown connection, got %d", got)
	}
	if sa.count() != 2 || sb.count() != 1 {
		t.Fatalf("unexpected frame counts %d %d", sa.count(), sb.count())
	}
}

func TestSendMarshalErrorDeliversNothing(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, sock := addClient(r, "alice")

	if got := r.Broadcast(context.Background(), make(chan int)); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if sock.count() != 0 {
		t.Fatal("expected no frames written")
	}
	if r.ConnectionCount() != 1 {
		t.Fatal("marshal errors must not evict connections")
	}
}

func TestHeartbeatEviction(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	stale, staleSock := addClient(r, "alice")
	fresh, freshSock := addClient(r, "bob")
	r.Subscribe(stale.ID, "table_orders")

	// Advance past 2x interval, but keep bob alive.
	now = now.Add(25 * time.Second)
	r.touch(fresh.ID)

	evicted := r.HeartbeatSweep(context.Background())
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := r.Client(stale.ID); ok {
		t.Fatal("stale connection should be gone")
	}
	if !staleSock.closed {
		t.Fatal("stale socket should be closed")
	}
	if freshSock.last(t)["type"] != FramePing {
		t.Fatal("expected surviving connection to be pinged")
	}

	stats := r.Stats()
	if stats.TotalConnections != 1 || stats.ActiveChannels != 0 {
		t.Fatalf("evicted connection still visible in stats: %+v", stats)
	}
	assertConsistent(t, r)
}

func TestHeartbeatWithinGraceWindow(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	now := time.Now()
	r.now = func() time.Time { return now }
	addClient(r, "alice")

	now = now.Add(15 * time.Second) // 1.5x interval
	if evicted := r.HeartbeatSweep(context.Background()); evicted != 0 {
		t.Fatalf("expected no eviction inside 2x window, got %d", evicted)
	}
}

func TestHandleFrameSubscribeAndPing(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	now := time.Now()
	r.now = func() time.Time { return now }
	c, sock := addClient(r, "alice")
	ctx := context.Background()

	r.handleFrame(ctx, c, []byte(`{"type":"subscribe","channel":"table_orders"}`))
	if m := sock.last(t); m["type"] != FrameSubscribed || m["channel"] != "table_orders" {
		t.Fatalf("unexpected ack %v", m)
	}

	now = now.Add(time.Second)
	r.handleFrame(ctx, c, []byte(`{"type":"ping"}`))
	if m := sock.last(t); m["type"] != FramePong {
		t.Fatalf("expected pong, got %v", m)
	}
	info, _ := r.Client(c.ID)
	if !info.LastHeartbeat.Equal(now) {
		t.Fatalf("expected heartbeat refreshed to %v, got %v", now, info.LastHeartbeat)
	}

	r.handleFrame(ctx, c, []byte(`{"type":"unsubscribe","channel":"table_orders"}`))
	if m := sock.last(t); m["type"] != FrameUnsubscribed {
		t.Fatalf("expected unsubscribed, got %v", m)
	}
	if len(r.ChannelMembers("table_orders")) != 0 {
		t.Fatal("expected channel to be empty")
	}

	r.handleFrame(ctx, c, []byte(`{"type":"subscribe"}`))
	if m := sock.last(t); m["type"] != FrameError {
		t.Fatalf("expected error for missing channel, got %v", m)
	}

	r.handleFrame(ctx, c, []byte(`{"type":"dance"}`))
	if m := sock.last(t); m["type"] != FrameError {
		t.Fatalf("expected error for unknown type, got %v", m)
	}

	r.handleFrame(ctx, c, []byte(`not json`))
	if m := sock.last(t); m["type"] != FrameError {
		t.Fatalf("expected error for invalid JSON, got %v", m)
	}
}

func TestHandleFrameSendMessage(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	alice, aliceSock := addClient(r, "alice")
	_, bobSock := addClient(r, "bob")
	carol, carolSock := addClient(r, "carol")
	r.Subscribe(carol.ID, "room-1")
	ctx := context.Background()

	r.handleFrame(ctx, alice, []byte(`{"type":"send_message","target_type":"user","target":"bob","message":{"text":"hi"}}`))
	m := bobSock.last(t)
	if m["type"] != FrameMessage || m["from"] != "alice" {
		t.Fatalf("unexpected relay frame %v", m)
	}

	r.handleFrame(ctx, alice, []byte(`{"type":"send_message","target_type":"channel","target":"room-1","message":{"text":"yo"}}`))
	if carolSock.count() != 1 {
		t.Fatalf("expected carol to receive channel message, got %d frames", carolSock.count())
	}

	r.handleFrame(ctx, alice, []byte(`{"type":"send_message","target_type":"broadcast","message":{"text":"all"}}`))
	if aliceSock.count() != 1 || bobSock.count() != 2 || carolSock.count() != 2 {
		t.Fatalf("unexpected counts after broadcast: %d %d %d", aliceSock.count(), bobSock.count(), carolSock.count())
	}

	r.handleFrame(ctx, alice, []byte(`{"type":"send_message","target_type":"planet","target":"x"}`))
	if m := aliceSock.last(t); m["type"] != FrameError {
		t.Fatalf("expected error for bad target_type, got %v", m)
	}
}

func TestCloseDisconnectsAll(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	var socks []*fakeSocket
	for _, u := range []string{"a", "b", "c"} {
		_, s := addClient(r, u)
		socks = append(socks, s)
	}
	r.Close()

	if r.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", r.ConnectionCount())
	}
	for i, s := range socks {
		if !s.closed {
			t.Errorf("socket %d not closed", i)
		}
	}
}

func TestClientSnapshotSorted(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	c, _ := addClient(r, "alice")
	for _, ch := range []string{"b", "a", "c"} {
		r.Subscribe(c.ID, ch)
	}
	info, ok := r.Client(c.ID)
	if !ok {
		t.Fatal("expected client")
	}
	if !sort.StringsAreSorted(info.Subscriptions) || len(info.Subscriptions) != 3 {
		t.Fatalf("unexpected subscriptions %v", info.Subscriptions)
	}
	if info.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", info.Status)
	}
}
