package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/synchub/internal/domain/notification"
	"github.com/Strob0t/synchub/internal/port/broadcast"
	"github.com/Strob0t/synchub/internal/port/messagequeue"
)

// sent is one call made to fakeBroadcaster.
type sent struct {
	route  string // "user", "channel" or "broadcast"
	target string
	frame  notification.Frame
}

// fakeBroadcaster records every send. members maps a channel or user to
// the number of connections it pretends to have (default 1).
type fakeBroadcaster struct {
	mu      sync.Mutex
	calls   []sent
	members map[string]int
	panicOn string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{members: make(map[string]int)}
}

func (f *fakeBroadcaster) record(route, target string, msg any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn != "" && target == f.panicOn {
		f.panicOn = ""
		panic("socket layer exploded")
	}
	fr, _ := msg.(notification.Frame)
	f.calls = append(f.calls, sent{route: route, target: target, frame: fr})
	if n, ok := f.members[target]; ok {
		return n
	}
	return 1
}

func (f *fakeBroadcaster) SendToUser(_ context.Context, userID string, msg any) int {
	return f.record("user", userID, msg)
}

func (f *fakeBroadcaster) SendToChannel(_ context.Context, channel string, msg any) int {
	return f.record("channel", channel, msg)
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, msg any) int {
	return f.record("broadcast", "", msg)
}

func (f *fakeBroadcaster) Stats() broadcast.Stats {
	return broadcast.Stats{TotalConnections: 3, UniqueUsers: 2, ActiveChannels: 1}
}

func (f *fakeBroadcaster) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

func (f *fakeBroadcaster) to(target string) []sent {
	var out []sent
	for _, c := range f.snapshot() {
		if c.target == target {
			out = append(out, c)
		}
	}
	return out
}

// memBus is an in-process stand-in for the shared pub/sub backend: every
// subscriber receives every message, synchronously.
type memBus struct {
	mu   sync.Mutex
	subs map[int]messagequeue.Handler
	next int
	down bool
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[int]messagequeue.Handler)}
}

// memQueue is one process's connection to a memBus.
type memQueue struct{ bus *memBus }

func (q memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.bus.mu.Lock()
	if q.bus.down {
		q.bus.mu.Unlock()
		return errors.New("bus down")
	}
	handlers := make([]messagequeue.Handler, 0, len(q.bus.subs))
	for _, h := range q.bus.subs {
		handlers = append(handlers, h)
	}
	q.bus.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, subject, data)
	}
	return nil
}

func (q memQueue) Subscribe(_ context.Context, _ string, h messagequeue.Handler) (func(), error) {
	q.bus.mu.Lock()
	defer q.bus.mu.Unlock()
	if q.bus.down {
		return nil, errors.New("bus down")
	}
	id := q.bus.next
	q.bus.next++
	q.bus.subs[id] = h
	return func() {
		q.bus.mu.Lock()
		delete(q.bus.subs, id)
		q.bus.mu.Unlock()
	}, nil
}

func (q memQueue) Close() error      { return nil }
func (q memQueue) IsConnected() bool { return !q.bus.down }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// payloadOf decodes a notification payload into a generic map.
func payloadOf(t *testing.T, n notification.Notification) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(n.Payload, &m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return m
}
