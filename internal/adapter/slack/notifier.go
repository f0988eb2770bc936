// Package slack implements a notifier.Notifier for Slack incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/synchub/internal/port/notifier"
)

const providerName = "slack"

// Notifier posts notifications to a Slack incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{RichFormatting: true}
}

// slackMessage is the Slack Block Kit message payload.
type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	body, err := json.Marshal(buildMessage(notification))
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(nf notifier.Notification) slackMessage {
	header := fmt.Sprintf("%s %s", priorityTag(nf.Priority), nf.Title)
	msg := slackMessage{
		Text: header,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: header}},
		},
	}
	if nf.Message != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: nf.Message},
		})
	}

	var ctxItems []slackText
	if nf.Kind != "" {
		ctxItems = append(ctxItems, slackText{Type: "mrkdwn", Text: "_" + nf.Kind + "_"})
	}
	if nf.Channel != "" {
		ctxItems = append(ctxItems, slackText{Type: "mrkdwn", Text: "channel `" + nf.Channel + "`"})
	}
	if nf.UserID != "" {
		ctxItems = append(ctxItems, slackText{Type: "mrkdwn", Text: "user `" + nf.UserID + "`"})
	}
	if len(ctxItems) > 0 {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "context", Elements: ctxItems})
	}
	return msg
}

func priorityTag(priority string) string {
	switch priority {
	case "critical":
		return "[CRITICAL]"
	case "high":
		return "[HIGH]"
	case "low":
		return "[LOW]"
	default:
		return "[INFO]"
	}
}
