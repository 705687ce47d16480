package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/ingest"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// Service is the ingestion surface the handlers call.
type Service interface {
	EnqueueCrawl(ctx context.Context, customerID, sourceID string, urls []string, priority crawler.Priority) ([]string, error)
	GetJobMetrics(ctx context.Context, sourceID string) (crawler.SourceMetrics, error)
	RetryFailedJobs(ctx context.Context, sourceID string) (int, error)
	GetDeduplicationStats(ctx context.Context, customerID string) (crawler.DedupStats, error)
	GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error)
	ReleaseSource(ctx context.Context, sourceID string) (crawler.ReleaseResult, error)
	SourceContent(ctx context.Context, sourceID string) ([]ingest.PageContent, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options tunes the server. Zero values select defaults.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Readiness      map[string]ReadinessCheck
}

// Server wires HTTP handlers to the ingestion service.
type Server struct {
	router  chi.Router
	service Service
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources/{sourceID}", func(r chi.Router) {
			r.Post("/crawl", s.enqueueCrawl)
			r.Get("/metrics", s.jobMetrics)
			r.Post("/retry", s.retryFailed)
			r.Delete("/chunks", s.releaseSource)
			r.Get("/content", s.sourceContent)
		})
		r.Get("/jobs/{jobID}", s.getJob)
		r.Get("/dedup/stats", s.dedupStats)
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.opts.Readiness {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	CustomerID string   `json:"customer_id"`
	URLs       []string `json:"urls"`
	Priority   string   `json:"priority"`
}

func (s *Server) enqueueCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, err := crawler.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.service.EnqueueCrawl(r.Context(), req.CustomerID, chi.URLParam(r, "sourceID"), req.URLs, priority)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.GetJobMetrics(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metricsResponse{
		SourceMetrics:       m,
		AvgProcessingTimeMs: m.AvgProcessingTime.Milliseconds(),
	})
}

type metricsResponse struct {
	crawler.SourceMetrics
	AvgProcessingTimeMs int64 `json:"avg_processing_time_ms"`
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.RetryFailedJobs(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) releaseSource(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.ReleaseSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) sourceContent(w http.ResponseWriter, r *http.Request) {
	pages, err := s.service.SourceContent(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) dedupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetDeduplicationStats(r.Context(), r.URL.Query().Get("customer_id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleError maps service errors onto status codes. Internal failures are
// logged and answered with a generic message.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if qe, ok := crawler.IsQuotaExceeded(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(qe.RetryAfter)))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "quota exceeded",
			"reason":      qe.Reason,
			"retry_after": retryAfterSeconds(qe.RetryAfter),
		})
		return
	}
	switch {
	case errors.Is(err, crawler.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
