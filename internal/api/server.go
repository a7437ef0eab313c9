// Package api exposes the HTTP interface for request submission, inspection,
// and cancellation. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl, /v1/sitemap, /v1/search for submission.
//   - GET /v1/requests/{id} and POST /v1/requests/{id}/cancel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/config"
	"github.com/tidecrawl/tidecrawl/internal/core"
	"github.com/tidecrawl/tidecrawl/internal/telemetry"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
	maxBatchURLs       = 100
)

// Waker nudges the scheduler after a submission so new work does not wait for
// the next poll tick.
type Waker interface {
	Wake()
}

// Server wires HTTP handlers to the ledger and scheduler.
type Server struct {
	router chi.Router
	ledger core.Ledger
	waker  Waker
	idGen  core.IDGenerator
	clock  core.Clock
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	ledger core.Ledger,
	waker Waker,
	idGen core.IDGenerator,
	clock core.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ledger: ledger,
		waker:  waker,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
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
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl", s.submitCrawl)
		r.Post("/sitemap", s.submitSitemap)
		r.Post("/search", s.submitSearch)
		r.Route("/requests/{request_id}", func(r chi.Router) {
			r.Get("/", s.getRequest)
			r.Post("/cancel", s.cancelRequest)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlSubmission struct {
	URL         string   `json:"url"`
	URLs        []string `json:"urls"`
	Priority    *int     `json:"priority"`
	MaxAttempts *int     `json:"max_attempts"`
	Render      bool     `json:"render"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url or urls required")
		return
	}
	if len(urls) > maxBatchURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per submission", maxBatchURLs))
		return
	}

	priority := clampTier(valueOrDefault(req.Priority, s.cfg.Scheduler.DefaultPriority), s.cfg.Scheduler.PriorityTiers)
	maxAttempts := valueOrDefault(req.MaxAttempts, s.cfg.Scheduler.DefaultMaxAttempt)
	if maxAttempts <= 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must be > 0")
		return
	}

	ids := make([]string, 0, len(urls))
	now := s.clock.Now()
	for _, rawURL := range urls {
		crawl, err := s.buildCrawl(rawURL, priority, maxAttempts, req.Render, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.ledger.CreateCrawl(r.Context(), crawl); err != nil {
			s.logger.Error("create crawl failed", zap.String("url", rawURL), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to create request")
			return
		}
		ids = append(ids, crawl.ID)
	}
	s.waker.Wake()

	if len(ids) == 1 {
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": ids[0]})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_ids": ids})
}

func (s *Server) buildCrawl(rawURL string, priority, maxAttempts int, render bool, now time.Time) (core.CrawlRequest, error) {
	norm, err := core.NormalizeURL(rawURL)
	if err != nil {
		return core.CrawlRequest{}, fmt.Errorf("invalid url %q", rawURL)
	}
	domain, err := core.DomainOf(norm)
	if err != nil {
		return core.CrawlRequest{}, fmt.Errorf("invalid url %q", rawURL)
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return core.CrawlRequest{}, fmt.Errorf("generate request id: %w", err)
	}
	return core.CrawlRequest{
		ID:            id,
		URL:           rawURL,
		NormalizedURL: norm,
		Domain:        domain,
		Status:        core.StatusNew,
		Priority:      priority,
		MaxAttempts:   maxAttempts,
		RenderHint:    render,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

type sitemapSubmission struct {
	URL      string `json:"url"`
	Priority *int   `json:"priority"`
}

func (s *Server) submitSitemap(w http.ResponseWriter, r *http.Request) {
	var req sitemapSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if _, err := core.NormalizeURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid url %q", req.URL))
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}
	now := s.clock.Now()
	sitemap := core.SitemapRequest{
		ID:        id,
		URL:       req.URL,
		Priority:  clampTier(valueOrDefault(req.Priority, s.cfg.Scheduler.DefaultPriority), s.cfg.Scheduler.PriorityTiers),
		Status:    core.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.CreateSitemap(r.Context(), sitemap); err != nil {
		s.logger.Error("create sitemap failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}
	s.waker.Wake()
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

type searchSubmission struct {
	Query   string             `json:"query"`
	Limit   *int               `json:"result_limit"`
	Filters core.SearchFilters `json:"filters"`
}

func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	limit := valueOrDefault(req.Limit, defaultSearchLimit)
	if limit < 1 || limit > maxSearchLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("result_limit must be between 1 and %d", maxSearchLimit))
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}
	now := s.clock.Now()
	search := core.SearchRequest{
		ID:        id,
		Query:     req.Query,
		Filters:   req.Filters,
		Limit:     limit,
		Status:    core.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ledger.CreateSearch(r.Context(), search); err != nil {
		s.logger.Error("create search failed", zap.String("query", req.Query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}
	s.waker.Wake()
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	kind, err := s.ledger.Kind(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	switch kind {
	case core.KindCrawl:
		req, err := s.ledger.GetCrawl(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeJSON(w, http.StatusOK, toCrawlDTO(req))
	case core.KindSitemap:
		req, err := s.ledger.GetSitemap(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeJSON(w, http.StatusOK, toSitemapDTO(req))
	case core.KindSearch:
		req, err := s.ledger.GetSearch(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeJSON(w, http.StatusOK, toSearchDTO(req))
	default:
		writeError(w, http.StatusNotFound, "request not found")
	}
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	if err := s.ledger.RequestCancel(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("cancel request failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "cancel_requested"})
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func clampTier(priority, tiers int) int {
	if priority < 0 {
		return 0
	}
	if priority >= tiers {
		return tiers - 1
	}
	return priority
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
