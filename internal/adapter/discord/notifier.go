// Package discord implements a notifier.Notifier for Discord webhooks.
package discord

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

const providerName = "discord"

// Discord caps embed descriptions at 4096 characters.
const maxDescription = 4096

// Notifier sends notifications to Discord via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a Discord notifier with the given webhook URL.
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

// discordWebhook is the Discord webhook payload with embeds.
type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (n *Notifier) Send(ctx context.Context, nf notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	body, err := json.Marshal(discordWebhook{Embeds: []discordEmbed{buildEmbed(nf)}})
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Discord returns 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildEmbed(nf notifier.Notification) discordEmbed {
	embed := discordEmbed{
		Title:       nf.Title,
		Description: truncate(nf.Message, maxDescription),
		Color:       priorityColor(nf.Priority),
	}
	if nf.Channel != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Channel", Value: nf.Channel, Inline: true})
	}
	if nf.UserID != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "User", Value: nf.UserID, Inline: true})
	}
	if nf.Kind != "" {
		embed.Footer = &discordFooter{Text: nf.Kind}
	}
	return embed
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// priorityColor returns Discord embed color integers for notification priorities.
func priorityColor(priority string) int {
	switch priority {
	case "critical":
		return 0xE74C3C // red
	case "high":
		return 0xF39C12 // orange
	case "low":
		return 0x95A5A6 // grey
	default:
		return 0x3498DB // blue
	}
}

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		if config["webhook_url"] == "" {
			return nil, notifier.ErrNotConfigured
		}
		return NewNotifier(config["webhook_url"]), nil
	})
}
