package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/ppiankov/ptytee/internal/config"
)

// HTTPSink posts batches to a generic ingest endpoint.
type HTTPSink struct {
	endpoint   string
	client     *http.Client
	gzip       bool
	limiter    *rate.Limiter
	maxRetries int
}

// NewHTTPSink creates a sink for cfg.Endpoint.
func NewHTTPSink(cfg config.ShipperConfig) *HTTPSink {
	s := &HTTPSink{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: 10 * time.Second},
		gzip:       cfg.Gzip,
		maxRetries: cfg.MaxRetries,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

func (s *HTTPSink) Name() string { return "generic" }

// Send posts one batch, retrying transport errors and 5xx responses.
func (s *HTTPSink) Send(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(NewBatch(events))
	if err != nil {
		return fmt.Errorf("shipper: marshal batch: %w", err)
	}
	if s.gzip {
		if body, err = compress(body); err != nil {
			return fmt.Errorf("shipper: compress batch: %w", err)
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	err = withRetry(ctx, s.maxRetries, func() error {
		return s.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("shipper: post %s: %w", s.endpoint, err)
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
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
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
