// Package api exposes the HTTP interface of the scrape tier.
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

	"github.com/JakeFAU/distributed-scraper/internal/metrics"
	"github.com/JakeFAU/distributed-scraper/internal/orchestrator"
	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/task"
)

// SubmitMessage accompanies every accepted submission.
const SubmitMessage = "Scraping task submitted successfully"

// DefaultRequestTimeout bounds a single HTTP handler.
const DefaultRequestTimeout = 60 * time.Second

// Service is the task surface the handlers drive.
type Service interface {
	Submit(url string) (scrape.Task, error)
	Status(id string) (scrape.Task, error)
	Result(id string) (scrape.Envelope, scrape.Status, error)
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Options tune the HTTP server.
type Options struct {
	RequestTimeout time.Duration
	Ready          ReadyFunc
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	svc    Service
	ready  ReadyFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		svc:    svc,
		ready:  opts.Ready,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Post("/scrape", s.submit)
		r.Get("/status/{task_id}", s.status)
		r.Get("/result/{task_id}", s.result)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	TaskID  string        `json:"task_id"`
	Status  scrape.Status `json:"status"`
	Message string        `json:"message"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := s.svc.Submit(req.URL)
	switch {
	case errors.Is(err, orchestrator.ErrMissingURL):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:  t.ID,
		Status:  t.Status,
		Message: SubmitMessage,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Status(chi.URLParam(r, "task_id"))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	if t.Status != scrape.StatusFailed {
		t.Error = ""
	}
	s.writeJSON(w, http.StatusOK, t)
}

type notCompletedResponse struct {
	Error  string        `json:"error"`
	Status scrape.Status `json:"status"`
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	env, status, err := s.svc.Result(chi.URLParam(r, "task_id"))
	if errors.Is(err, orchestrator.ErrNotCompleted) {
		msg := fmt.Sprintf("task not completed; current status: %s", status)
		var nc *orchestrator.NotCompletedError
		if errors.As(err, &nc) {
			msg = nc.Error()
		}
		s.writeJSON(w, http.StatusBadRequest, notCompletedResponse{Error: msg, Status: status})
		return
	}
	if err != nil {
		s.lookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error("task lookup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
