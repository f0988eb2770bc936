// Package email implements a notifier.Notifier that sends plain-text mail
// over SMTP.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/synchub/internal/port/notifier"
)

const providerName = "email"

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
	To       []string
}

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier sends notifications via SMTP to a fixed recipient list.
type Notifier struct {
	cfg  SMTPConfig
	send sendFunc // for testing
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a new email notifier.
func NewNotifier(cfg SMTPConfig) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{}
}

// Send delivers the notification as a plain-text message. net/smtp has no
// context support, so ctx is only checked before dialing.
func (n *Notifier) Send(ctx context.Context, nf notifier.Notification) error {
	if n.cfg.Host == "" || n.cfg.From == "" || len(n.cfg.To) == 0 {
		return notifier.ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.From, n.cfg.Password, n.cfg.Host)
	}
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, n.compose(nf)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (n *Notifier) compose(nf notifier.Notification) []byte {
	subject := nf.Title
	if nf.Priority == "high" || nf.Priority == "critical" {
		subject = "[" + strings.ToUpper(nf.Priority) + "] " + subject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(nf.Message)
	b.WriteString("\r\n")
	if nf.Channel != "" {
		fmt.Fprintf(&b, "\r\nChannel: %s\r\n", nf.Channel)
	}
	if len(nf.Data) > 0 {
		fmt.Fprintf(&b, "\r\n%s\r\n", nf.Data)
	}
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		port, _ := strconv.Atoi(config["port"])
		if port == 0 {
			port = 587
		}
		var to []string
		for _, addr := range strings.Split(config["to"], ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		cfg := SMTPConfig{
			Host:     config["host"],
			Port:     port,
			From:     config["from"],
			Password: config["password"],
			To:       to,
		}
		if cfg.Host == "" || cfg.From == "" || len(to) == 0 {
			return nil, notifier.ErrNotConfigured
		}
		return NewNotifier(cfg), nil
	})
}
