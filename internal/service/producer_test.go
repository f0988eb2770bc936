package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/domain/event"
	"github.com/Strob0t/synchub/internal/domain/notification"
)

type recordingNotifier struct {
	got []notification.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notification.Notification) int {
	r.got = append(r.got, n)
	return 2
}

func TestProducer_CreateEvent(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProducer(pub, nil)

	ev, err := p.CreateEvent(context.Background(), "orders", "INSERT", "42", json.RawMessage(`{"total":10}`), "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev.Kind != event.KindCreated || ev.Entity != "orders" || ev.UserID != "u1" || ev.NodeID != "node-test" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if pub.count() != 1 || pub.events[0].ID != ev.ID {
		t.Fatal("expected the returned event to be published")
	}
}

func TestProducer_CreateEventErrors(t *testing.T) {
	tests := []struct {
		name      string
		entity    string
		operation string
		pubErr    error
		want      error
	}{
		{"missing entity", " ", "insert", nil, domain.ErrValidation},
		{"unknown operation", "orders", "truncate", nil, domain.ErrValidation},
		{"queue full", "orders", "update", domain.ErrQueueFull, domain.ErrQueueFull},
		{"engine stopped", "orders", "delete", domain.ErrNotRunning, domain.ErrNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProducer(&recordingPublisher{err: tt.pubErr}, nil)
			_, err := p.CreateEvent(context.Background(), tt.entity, tt.operation, "1", nil, "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestProducer_SendInstantNotification(t *testing.T) {
	notes := &recordingNotifier{}
	p := NewProducer(nil, notes)

	sent, err := p.SendInstantNotification(context.Background(), "alice", "Export ready", "Your CSV is ready", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sockets, got %d", sent)
	}
	n := notes.got[0]
	if n.TargetUserID != "alice" || n.Kind != notification.KindUserNotification {
		t.Fatalf("unexpected notification: %+v", n)
	}

	if _, err := p.SendInstantNotification(context.Background(), "", "t", "m", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing user, got %v", err)
	}
	if _, err := p.SendInstantNotification(context.Background(), "alice", "", "m", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing title, got %v", err)
	}
}
