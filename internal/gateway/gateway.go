// Package gateway is a small self-hosted ingest endpoint. It accepts
// batches posted by the generic shipper and appends each event to a
// daily JSONL file under the log directory.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBody bounds one request body after decompression.
const maxBody = 32 << 20

// Config holds gateway settings.
type Config struct {
	Addr     string
	Endpoint string
	// BaseDir is the log directory; events go to BaseDir/gateway.
	BaseDir string
	Logger  *slog.Logger
	// Registry receives the gateway metrics and backs /metrics. Nil uses a
	// private registry.
	Registry *prometheus.Registry
}

type ingestRequest struct {
	Source string            `json:"source"`
	Events []json.RawMessage `json:"events"`
}

// Server is the ingest HTTP server.
type Server struct {
	cfg      Config
	log      *slog.Logger
	srv      *http.Server
	mu       sync.Mutex // serializes appends
	now      func() time.Time
	requests *prometheus.CounterVec
	events   prometheus.Counter
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg Config) *Server {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/ingest"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		cfg: cfg,
		log: log,
		now: time.Now,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptytee_gateway_requests_total",
			Help: "Ingest requests by response status",
		}, []string{"status"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptytee_gateway_events_total",
			Help: "Events appended to received files",
		}),
	}
	reg.MustRegister(s.requests, s.events)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handle)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.srv.Addr, err)
	}
	s.log.Info("gateway listening", "addr", ln.Addr().String(), "endpoint", s.cfg.Endpoint)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	err = s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ReceivedPath returns the file events received at t are appended to.
func (s *Server) ReceivedPath(t time.Time) string {
	return filepath.Join(s.cfg.BaseDir, "gateway", "received-"+t.UTC().Format("20060102")+".jsonl")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	status := s.serve(w, r)
	s.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) int {
	if r.URL.Path != s.cfg.Endpoint {
		http.NotFound(w, r)
		return http.StatusNotFound
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Invalid gzip body", http.StatusBadRequest)
			return http.StatusBadRequest
		}
		defer zr.Close()
		body = zr
	}

	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	if err := s.appendEvents(req.Events); err != nil {
		s.log.Error("append events", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	s.events.Add(float64(len(req.Events)))
	s.log.Debug("ingested batch", "source", req.Source, "events", len(req.Events))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
	return http.StatusOK
}

func (s *Server) appendEvents(events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, ev := range events {
		if err := json.Compact(&buf, ev); err != nil {
			return err
		}
		buf.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.ReceivedPath(s.now())
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
