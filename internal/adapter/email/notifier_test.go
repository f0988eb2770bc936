package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/Strob0t/synchub/internal/port/notifier"
)

func TestSendNotConfigured(t *testing.T) {
	n := NewNotifier(SMTPConfig{Host: "smtp.example.com"})
	err := n.Send(context.Background(), notifier.Notification{Title: "x"})
	if !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendComposesMessage(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	n := NewNotifier(SMTPConfig{
		Host: "smtp.example.com",
		Port: 2525,
		From: "synchub@example.com",
		To:   []string{"ops@example.com", "dev@example.com"},
	})
	n.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := n.Send(context.Background(), notifier.Notification{
		Title:    "Sync failed\r\nBcc: evil@example.com",
		Message:  "invoice sync failed",
		Priority: "critical",
		Channel:  "table_invoices",
		Data:     json.RawMessage(`{"attempt":3}`),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:2525" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 2 {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: [CRITICAL] Sync failed  Bcc: evil@example.com\r\n") {
		t.Errorf("subject not sanitized:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "Channel: table_invoices") || !strings.Contains(gotMsg, `{"attempt":3}`) {
		t.Errorf("body missing details:\n%s", gotMsg)
	}
}

func TestSendWrapsTransportError(t *testing.T) {
	n := NewNotifier(SMTPConfig{Host: "h", Port: 25, From: "a@b", To: []string{"c@d"}})
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := n.Send(context.Background(), notifier.Notification{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "smtp send") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestFactory(t *testing.T) {
	if _, err := notifier.New("email", map[string]string{"host": "h"}); !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	n, err := notifier.New("email", map[string]string{
		"host": "h", "from": "a@b", "to": "c@d, e@f",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	en := n.(*Notifier)
	if en.cfg.Port != 587 || len(en.cfg.To) != 2 {
		t.Fatalf("unexpected config %+v", en.cfg)
	}
}
