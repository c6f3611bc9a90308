package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

// Ingester is the slice of the pipeline the webhook listener drives.
type Ingester interface {
	Ingest(ctx context.Context, ev threadrelay.Event) (threadrelay.IngestResult, error)
}

type ServerConfig struct {
	EventLogPath  string
	MaxBodyBytes  int64
	RateLimit     float64
	RateBurst     int
	IngestTimeout time.Duration
}

// Server receives raw chat-provider payloads, normalizes them, records them
// in the event log, and ingests them one at a time.
type Server struct {
	ingester Ingester
	cfg      ServerConfig
	router   chi.Router
	limiter  *rate.Limiter
	metrics  *metrics
	now      func() time.Time

	ingestMu sync.Mutex
	logMu    sync.Mutex
}

func NewServer(ingester Ingester) *Server {
	return NewServerWithConfig(ingester, ServerConfig{})
}

func NewServerWithConfig(ingester Ingester, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s := &Server{
		ingester: ingester,
		cfg:      cfg,
		limiter:  limiter,
		metrics:  newMetrics(),
		now:      time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/discord", s.handleIngest)
		r.Post("/discord/ingest", s.handleIngest)
	})

	r.NotFound(s.handleUnknownPath)
	r.MethodNotAllowed(s.handleUnknownPath)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": "unknown path " + r.URL.Path})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.requests.WithLabelValues(r.URL.Path, "rate_limited").Inc()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "message": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)
	path := r.URL.Path

	body, ok := s.readRequestBody(w, r)
	if !ok {
		s.metrics.requests.WithLabelValues(path, "bad_request").Inc()
		return
	}
	payload, err := threadrelay.DecodeObject(body)
	if err != nil {
		s.metrics.requests.WithLabelValues(path, "bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "invalid JSON: " + err.Error()})
		return
	}
	if err := threadrelay.ValidateIngestPayload(payload); err != nil {
		s.metrics.requests.WithLabelValues(path, "bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": err.Error()})
		return
	}

	ev := threadrelay.Normalize(payload)
	record := ev.EventRecord()
	record["_receivedUtc"] = s.now().UTC().Format("2006-01-02T15:04:05Z")
	record["correlationId"] = correlationID
	if err := s.appendEventLog(record); err != nil {
		s.metrics.eventLogErrors.Inc()
		log.Warn().Err(err).Str("correlation_id", correlationID).Msg("event log append failed")
	}

	result := s.ingest(r.Context(), ev)
	status := http.StatusOK
	outcome := "ok"
	if !result.OK {
		status = http.StatusInternalServerError
		outcome = "failed"
		log.Error().Str("correlation_id", correlationID).Str("message", result.Message).Msg("ingest failed")
	}
	s.metrics.requests.WithLabelValues(path, outcome).Inc()
	writeJSON(w, status, result)
}

// ingest runs one event to completion before the next starts.
func (s *Server) ingest(ctx context.Context, ev threadrelay.Event) threadrelay.IngestResult {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	start := s.now()
	defer func() {
		s.metrics.ingestDuration.Observe(time.Since(start).Seconds())
	}()

	if s.ingester == nil {
		return threadrelay.IngestResult{OK: false, Message: "ingest pipeline not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
	defer cancel()
	result, err := s.ingester.Ingest(ctx, ev)
	if err != nil {
		return threadrelay.FailedIngest(err)
	}
	return result
}

func (s *Server) appendEventLog(record map[string]any) error {
	path := strings.TrimSpace(s.cfg.EventLogPath)
	if path == "" {
		return nil
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "message": "request body exceeds configured limit"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "message": "failed to read request body"})
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"ok": false, "message": "failed to encode response"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
