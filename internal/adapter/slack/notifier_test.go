package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/synchub/internal/port/notifier"
)

func TestNotifierName(t *testing.T) {
	n := NewNotifier("")
	if n.Name() != "slack" {
		t.Fatalf("expected 'slack', got %q", n.Name())
	}
	if !n.Capabilities().RichFormatting {
		t.Fatal("expected RichFormatting=true")
	}
}

func TestSendNotConfigured(t *testing.T) {
	n := NewNotifier("")
	err := n.Send(context.Background(), notifier.Notification{Title: "test"})
	if !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestFactorySkipsEmptyWebhook(t *testing.T) {
	if _, err := notifier.New("slack", map[string]string{}); !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	n, err := notifier.New("slack", map[string]string{"webhook_url": "http://example.invalid"})
	if err != nil || n.Name() != "slack" {
		t.Fatalf("expected slack notifier, got %v %v", n, err)
	}
}

func TestSendSuccess(t *testing.T) {
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Send(context.Background(), notifier.Notification{
		Title:    "Data updated",
		Message:  "orders record 42 updated",
		Kind:     "real_time_update",
		Priority: "high",
		Channel:  "table_orders",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got.Text, "[HIGH]") {
		t.Fatalf("expected priority tag in text, got %q", got.Text)
	}
	if len(got.Blocks) != 3 || got.Blocks[2].Type != "context" {
		t.Fatalf("expected header, section and context blocks, got %+v", got.Blocks)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Send(context.Background(), notifier.Notification{Title: "Test", Message: "Test message"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected 500 error, got %v", err)
	}
}
