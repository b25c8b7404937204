// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/api/gateway"
	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/evaluator"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/routing"
	"github.com/lvonguyen/remedyforge/internal/store"
)

// Service is the pipeline surface served over HTTP.
type Service interface {
	HandleNotification(ctx context.Context, n compliance.ChangeNotification) ([]compliance.Verdict, error)
	Route(ctx context.Context, env bus.Envelope) ([]routing.Dispatch, error)
	Sweep(ctx context.Context) (int, error)
	Rules() []evaluator.Rule
	Routes() []routing.Rule
	Verdict(ctx context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error)
	RecentFindings() ([]compliance.Finding, bool)
	RecentOutcomes() []compliance.Outcome
	Ready(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	Version        string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// RateLimiter, when set, limits every /api/v1 request.
	RateLimiter    *gateway.RateLimiter
	MetricsHandler http.Handler
}

// Server holds the HTTP handlers.
type Server struct {
	svc     Service
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewServer creates the API server.
func NewServer(svc Service, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{svc: svc, opts: opts, logger: logger.Named("api"), metrics: metrics}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware(nil))
		}

		// Ingest endpoints
		r.Post("/notifications", s.handleNotification)
		r.Post("/events", s.handleEvent)
		r.Post("/sweeps", s.handleSweep)

		// Introspection endpoints
		r.Get("/rules", s.handleListRules)
		r.Get("/routes", s.handleListRoutes)
		r.Get("/verdicts/{rule}/{type}/{id}", s.handleGetVerdict)
		r.Get("/findings", s.handleListFindings)
		r.Get("/outcomes", s.handleListOutcomes)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		s.metrics.IncRequest(r.Method, path, strconv.Itoa(ww.Status()))
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.opts.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingest handlers

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var n compliance.ChangeNotification
	if !s.decode(w, r, &n) {
		return
	}
	if err := n.Resource.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	verdicts, err := s.svc.HandleNotification(r.Context(), n)
	if err != nil {
		s.writeFault(w, err, map[string]any{"verdicts": verdicts})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verdicts": verdicts,
		"count":    len(verdicts),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env bus.Envelope
	if !s.decode(w, r, &env) {
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Time.IsZero() {
		env.Time = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if env.DetailType == bus.DetailTypeResourceChange {
		var n compliance.ChangeNotification
		if err := json.Unmarshal(env.Detail, &n); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		verdicts, err := s.svc.HandleNotification(r.Context(), n)
		if err != nil {
			s.writeFault(w, err, map[string]any{"event_id": env.ID, "verdicts": verdicts})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event_id": env.ID, "verdicts": verdicts})
		return
	}

	dispatches, err := s.svc.Route(r.Context(), env)
	if err != nil {
		s.writeFault(w, err, map[string]any{"event_id": env.ID, "dispatches": dispatches})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id":   env.ID,
		"dispatches": dispatches,
		"count":      len(dispatches),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, map[string]any{"evaluated": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluated": n})
}

// Introspection handlers

type ruleView struct {
	ID             string   `json:"id"`
	ResourceType   string   `json:"resource_type"`
	TriggerMode    string   `json:"trigger_mode"`
	ExportFindings bool     `json:"export_findings"`
	Resources      []string `json:"resources,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.svc.Rules()
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView{
			ID:             rule.ID,
			ResourceType:   rule.ResourceType,
			TriggerMode:    rule.TriggerMode,
			ExportFindings: rule.ExportFindings,
			Resources:      rule.Resources,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views, "count": len(views)})
}

type routeView struct {
	Name       string   `json:"name"`
	Conditions []string `json:"conditions"`
	Targets    []string `json:"targets"`
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.svc.Routes()
	views := make([]routeView, 0, len(routes))
	for _, route := range routes {
		v := routeView{Name: route.Name, Targets: route.Targets}
		for _, c := range route.Conditions {
			v.Conditions = append(v.Conditions, c.String())
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": views, "count": len(views)})
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	ref := compliance.ResourceRef{
		ResourceType: chi.URLParam(r, "type"),
		ResourceID:   chi.URLParam(r, "id"),
		Account:      r.URL.Query().Get("account"),
		Region:       r.URL.Query().Get("region"),
	}
	v, err := s.svc.Verdict(r.Context(), chi.URLParam(r, "rule"), ref)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	found, ok := s.svc.RecentFindings()
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "findings are kept by the external aggregator"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": found, "count": len(found)})
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes := s.svc.RecentOutcomes()
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes, "count": len(outcomes)})
}

// decode reads a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeFault maps a pipeline error to a status: transient failures are
// retryable (503), anything else is the caller's problem (400).
func (s *Server) writeFault(w http.ResponseWriter, err error, body map[string]any) {
	status := http.StatusBadRequest
	switch faults.Classify(err) {
	case faults.KindTransient, faults.KindStale:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	s.logger.Warn("Request failed", zap.Int("status", status), zap.Error(err))
	body["error"] = err.Error()
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
