// Package api exposes the HTTP interface for the apply service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
	"github.com/ljluestc/awesome-apply/internal/config"
	"github.com/ljluestc/awesome-apply/internal/ingest"
	"github.com/ljluestc/awesome-apply/internal/metrics"
)

// Scheduler is the ticket surface the API needs.
type Scheduler interface {
	Tickets() []apply.ScheduleTicket
	Ticket(fingerprint string) (apply.ScheduleTicket, bool)
	Cancel(fingerprints ...string) (int, error)
	CancelAll() int
}

// Intake accepts raw postings for fingerprinting and scheduling.
type Intake interface {
	Intake(ctx context.Context, raws []apply.RawPosting) ([]ingest.Result, error)
}

// BoardFetcher scrapes a job-board listing page into raw postings. Nil
// when board fetching is disabled.
type BoardFetcher interface {
	FetchBoard(ctx context.Context, boardURL string) ([]apply.RawPosting, error)
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router    chi.Router
	intake    Intake
	boards    BoardFetcher
	scheduler Scheduler
	patterns  apply.PatternStore
	postings  apply.PostingStore
	attempts  apply.AttemptStore
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	intake Intake,
	boards BoardFetcher,
	sched Scheduler,
	patterns apply.PatternStore,
	postings apply.PostingStore,
	attempts apply.AttemptStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		intake:    intake,
		boards:    boards,
		scheduler: sched,
		patterns:  patterns,
		postings:  postings,
		attempts:  attempts,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/postings", s.submitPostings)
		r.Post("/boards", s.fetchBoard)
		r.Get("/queue", s.getQueue)
		r.Route("/postings/{fingerprint}", func(r chi.Router) {
			r.Get("/", s.getPosting)
			r.Get("/attempts", s.getAttempts)
			r.Get("/ticket", s.getTicket)
		})
		r.Get("/domains/{domain}/confidence", s.getDomainConfidence)
		r.Post("/batch/cancel", s.cancelBatch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// In-memory dependencies are always ready; in future check downstreams.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitPostingsRequest struct {
	Postings []apply.RawPosting `json:"postings"`
}

func (s *Server) submitPostings(w http.ResponseWriter, r *http.Request) {
	var req submitPostingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Postings) == 0 {
		writeError(w, http.StatusBadRequest, "at least one posting required")
		return
	}
	results, err := s.intake.Intake(r.Context(), req.Postings)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

type fetchBoardRequest struct {
	URL string `json:"url"`
}

func (s *Server) fetchBoard(w http.ResponseWriter, r *http.Request) {
	if s.boards == nil {
		writeError(w, http.StatusServiceUnavailable, "board fetching is not enabled")
		return
	}
	var req fetchBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "board url required")
		return
	}
	raws, err := s.boards.FetchBoard(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("board fetch failed: %v", err))
		return
	}
	if len(raws) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"results": []ingest.Result{}})
		return
	}
	results, err := s.intake.Intake(r.Context(), raws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

func (s *Server) getQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tickets": s.scheduler.Tickets()})
}

func (s *Server) getPosting(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	posting, err := s.postings.Get(r.Context(), fingerprint)
	if err != nil {
		writeError(w, http.StatusNotFound, "posting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posting": posting})
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	ticket, ok := s.scheduler.Ticket(fingerprint)
	if !ok {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}

func (s *Server) getAttempts(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	history, err := s.attempts.History(r.Context(), fingerprint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch attempt history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": history})
}

func (s *Server) getDomainConfidence(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	snapshots, err := s.patterns.Get(r.Context(), domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch strategies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "strategies": snapshots})
}

type cancelBatchRequest struct {
	Fingerprints []string `json:"fingerprints"`
	All          bool     `json:"all"`
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	var req cancelBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.All && len(req.Fingerprints) == 0 {
		writeError(w, http.StatusBadRequest, "provide fingerprints or set all=true")
		return
	}
	if req.All {
		writeJSON(w, http.StatusOK, map[string]any{"canceled": s.scheduler.CancelAll()})
		return
	}
	affected, err := s.scheduler.Cancel(req.Fingerprints...)
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, map[string]any{"canceled": affected, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canceled": affected})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, dur)
			logger.Info("request completed",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// requestIDFrom returns the request ID stamped by requestIDMiddleware.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
