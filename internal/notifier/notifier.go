// Package notifier sends outgoing webhook notifications for daemon
// lifecycle and conversion events (§10.5), auto-detecting Discord, Slack,
// or generic JSON delivery from the configured webhook URL's host.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// EventType identifies the kind of event being reported.
type EventType string

const (
	EventStartup             EventType = "startup"
	EventShutdown            EventType = "shutdown"
	EventConversionSucceeded EventType = "conversion_success"
	EventConversionFailed    EventType = "conversion_failed"
	EventError               EventType = "error"
)

// Event is the payload passed to Notify.
type Event struct {
	Type    EventType
	Title   string
	Message string
	Path    string
	Err     error
}

// Notifier delivers Events to a destination. NullNotifier and WebhookNotifier
// both satisfy it so callers never need a nil check.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NullNotifier discards every event. Used when notifications are disabled.
type NullNotifier struct{}

// Notify implements Notifier by doing nothing.
func (NullNotifier) Notify(context.Context, Event) error { return nil }

type webhookKind int

const (
	kindGeneric webhookKind = iota
	kindDiscord
	kindSlack
)

// WebhookNotifier posts Events to a single webhook URL, using the URL's host
// to pick a Discord, Slack, or generic JSON body shape (§10.5).
type WebhookNotifier struct {
	url    string
	kind   webhookKind
	client *http.Client
	logger *slog.Logger
}

// New builds a WebhookNotifier for url. The webhook type is detected once at
// construction time, mirroring the original's per-instance detection.
func New(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		kind:   detectKind(url),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func detectKind(url string) webhookKind {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "discord.com/api/webhooks"):
		return kindDiscord
	case strings.Contains(lower, "hooks.slack.com"):
		return kindSlack
	default:
		return kindGeneric
	}
}

// Notify posts event to the configured webhook. Delivery failures are logged
// and returned; the Scheduler only logs a returned error, so a notification
// is never load-bearing for its decision loop.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	var body map[string]any
	switch n.kind {
	case kindDiscord:
		body = n.discordBody(event)
	case kindSlack:
		body = n.slackBody(event)
	default:
		body = n.genericBody(event)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "error", err, "event_type", event.Type)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification endpoint returned non-2xx", "status", resp.StatusCode, "event_type", event.Type)
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) discordBody(event Event) map[string]any {
	embed := map[string]any{
		"title":       event.Title,
		"description": event.Message,
		"color":       discordColor(event.Type),
		"footer":      map[string]any{"text": "visionarr"},
	}
	if event.Path != "" {
		embed["fields"] = []map[string]any{{"name": "File", "value": event.Path, "inline": false}}
	}
	if event.Err != nil {
		embed["fields"] = append(embed["fields"].([]map[string]any), map[string]any{
			"name": "Error", "value": truncate(event.Err.Error(), 500), "inline": false,
		})
	}
	return map[string]any{"embeds": []map[string]any{embed}}
}

func (n *WebhookNotifier) slackBody(event Event) map[string]any {
	blocks := []map[string]any{
		{"type": "header", "text": map[string]any{"type": "plain_text", "text": event.Title}},
		{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": event.Message}},
	}
	if event.Path != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": "*File:*\n" + event.Path},
		})
	}
	if event.Err != nil {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": "*Error:*\n" + truncate(event.Err.Error(), 500)},
		})
	}
	return map[string]any{"blocks": blocks}
}

func (n *WebhookNotifier) genericBody(event Event) map[string]any {
	body := map[string]any{
		"event":   string(event.Type),
		"title":   event.Title,
		"message": event.Message,
		"source":  "visionarr",
	}
	if event.Path != "" {
		body["path"] = event.Path
	}
	if event.Err != nil {
		body["error"] = event.Err.Error()
	}
	return body
}

func discordColor(t EventType) int {
	switch t {
	case EventStartup, EventConversionSucceeded:
		return 0x00FF00
	case EventShutdown:
		return 0x808080
	case EventConversionFailed, EventError:
		return 0xFF0000
	default:
		return 0x0000FF
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
