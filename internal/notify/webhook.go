package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/ptytee/internal/config"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// retryDelay is the base backoff between webhook attempts.
var retryDelay = time.Second

// WebhookSink posts events to an HTTP endpoint.
type WebhookSink struct {
	cfg config.WebhookConfig
}

// NewWebhookSink creates a sink for cfg.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	return &WebhookSink{cfg: cfg}
}

func (w *WebhookSink) Name() string { return "webhook " + w.cfg.URL }

func (w *WebhookSink) Accepts(eventType string) bool { return matches(w.cfg.Events, eventType) }

// Send posts the event with retry on 5xx and transport errors. A 4xx answer
// is final.
func (w *WebhookSink) Send(ctx context.Context, event Event) error {
	body, err := FormatPayload(w.cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	default:
		return json.Marshal(event)
	}
}

func formatSlack(event Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Session:* %s", event.SessionID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Node:* %s", event.NodeID)},
	}
	if code, ok := event.Metadata["exit_code"]; ok {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Exit:* %v", code)})
	}
	if cwd, ok := event.Metadata["cwd"]; ok {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Cwd:* %v", cwd)})
	}

	payload := map[string]any{
		"text": event.Message,
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("ptytee: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}
