package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ppiankov/ptytee/internal/config"
)

// LokiSink pushes events to a Loki push endpoint, one stream per event.
type LokiSink struct {
	url        string
	client     *http.Client
	labels     map[string]string
	maxRetries int
}

// NewLokiSink creates a sink from the loki section. nodeID labels the
// pushing node.
func NewLokiSink(cfg config.LokiConfig, nodeID string, maxRetries int) *LokiSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	instance, _ := os.Hostname()
	labels := map[string]string{
		"job":      cfg.JobName,
		"instance": instance,
		"node":     nodeID,
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return &LokiSink{
		url:        cfg.PushURL(),
		client:     &http.Client{Timeout: timeout},
		labels:     labels,
		maxRetries: maxRetries,
	}
}

func (s *LokiSink) Name() string { return "loki" }

// LokiStream is one labelled stream of a push.
type LokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// LokiPush is the Loki push API body.
type LokiPush struct {
	Streams []LokiStream `json:"streams"`
}

// Payload builds the push body for events.
func (s *LokiSink) Payload(events []Event) LokiPush {
	push := LokiPush{Streams: make([]LokiStream, 0, len(events))}
	for _, ev := range events {
		labels := make(map[string]string, len(s.labels)+2)
		for k, v := range s.labels {
			labels[k] = v
		}
		labels["session_id"] = ev.SessionID
		if labels["session_id"] == "" {
			labels["session_id"] = "unknown"
		}
		labels["event_type"] = ev.Kind
		push.Streams = append(push.Streams, LokiStream{
			Stream: labels,
			Values: [][2]string{{lokiTimestamp(ev.Timestamp), CompactLine(ev)}},
		})
	}
	return push
}

// Send pushes one batch.
func (s *LokiSink) Send(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(s.Payload(events))
	if err != nil {
		return fmt.Errorf("shipper: marshal loki push: %w", err)
	}
	err = withRetry(ctx, s.maxRetries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shipper: push %s: %w", s.url, err)
	}
	return nil
}

// lokiTimestamp converts a record timestamp to nanoseconds since the
// epoch. Unparseable timestamps fall back to now.
func lokiTimestamp(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05.000000"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return strconv.FormatInt(t.UnixNano(), 10)
		}
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
