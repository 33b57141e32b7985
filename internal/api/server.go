// Package api provides the HTTP query gateway: event ingestion, filtered
// listings, analytics views, and the live event stream.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
	"github.com/lvonguyen/honeytrail/internal/feed"
	"github.com/lvonguyen/honeytrail/internal/observability"
	"github.com/lvonguyen/honeytrail/internal/pipeline"
	"github.com/lvonguyen/honeytrail/internal/store"
)

// Server wires the pipeline, store, and feed behind the HTTP surface.
type Server struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	feed     *feed.Feed
	logger   *zap.Logger
	version  string

	// Optional collaborators.
	rateLimiter    *RateLimiter
	metrics        *observability.Metrics
	metricsHandler http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithRateLimiter throttles POST /log per client.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithMetrics records per-request counters and latency histograms.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts a Prometheus handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// NewServer creates the gateway server.
func NewServer(p *pipeline.Pipeline, st *store.Store, f *feed.Feed, logger *zap.Logger, version string, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		store:    st,
		feed:     f,
		logger:   logger,
		version:  version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with the full endpoint surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.instrument)
	}

	// The stream endpoint holds its connection open, so it mounts outside
	// the request timeout that bounds everything else.
	r.Get("/api/events/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/", s.handleIndex)
		r.Get("/health", s.handleHealth)

		if s.rateLimiter != nil {
			r.With(s.rateLimiter.Middleware).Post("/log", s.handleIngest)
		} else {
			r.Post("/log", s.handleIngest)
		}

		r.Get("/logs", s.handleLogs)
		r.Get("/stats", s.handleStats)

		r.Get("/api/analytics", s.handleAnalytics)
		r.Get("/api/map-data", s.handleMapData)
		r.Get("/api/insights", s.handleInsights)
		r.Get("/api/alerts", s.handleAlerts)
		r.Get("/api/investigate/{ip}", s.handleInvestigate)
		r.Get("/api/live-events", s.handleLiveEvents)

		if s.metricsHandler != nil {
			r.Handle("/metrics", s.metricsHandler)
		}
	})

	return r
}

// instrument records request counts and latency. The route pattern, not the
// raw path, labels the series so /api/investigate/{ip} stays one series.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		s.metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "honeytrail",
		"version": s.version,
		"endpoints": []string{
			"POST /log",
			"GET /logs",
			"GET /stats",
			"GET /api/analytics",
			"GET /api/map-data",
			"GET /api/insights",
			"GET /api/alerts",
			"GET /api/investigate/{ip}",
			"GET /api/live-events",
			"GET /api/events/stream",
			"GET /health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "event store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"version":      s.version,
		"total_events": count,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sub pipeline.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := s.pipeline.Ingest(r.Context(), sub)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	if receipt.Duplicate {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "duplicate",
			"fingerprint": receipt.Fingerprint,
		})
		return
	}

	resp := map[string]any{
		"status":      "stored",
		"id":          receipt.ID,
		"fingerprint": receipt.Fingerprint,
	}
	if receipt.Risk != nil {
		resp["risk"] = receipt.Risk
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		SourceIP:      r.URL.Query().Get("source_ip"),
		Action:        r.URL.Query().Get("action"),
		TargetService: r.URL.Query().Get("target_service"),
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}

	events, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("log query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  events,
		"count": len(events),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.store.Dashboard(r.Context())
	if err != nil {
		s.logger.Error("analytics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute analytics")
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleMapData(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.MapData(r.Context())
	if err != nil {
		s.logger.Error("map data query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute map data")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.store.Insights(r.Context())
	if err != nil {
		s.logger.Error("insights query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute insights")
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	threshold := queryFloat(r, "threshold", 0.85)
	limit := queryInt(r, "limit", 50)

	alerts, err := s.store.Alerts(r.Context(), threshold, limit)
	if err != nil {
		s.logger.Error("alert query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"threshold": threshold,
	})
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	sourceIP := chi.URLParam(r, "ip")

	investigation, err := s.store.Investigate(r.Context(), sourceIP)
	if err != nil {
		s.logger.Error("investigation failed", zap.String("source_ip", sourceIP), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to investigate source")
		return
	}
	writeJSON(w, http.StatusOK, investigation)
}

func (s *Server) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	f := store.LiveEventFilter{
		SourceIP: r.URL.Query().Get("source_ip"),
		Limit:    queryInt(r, "limit", 50),
	}
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			f.MinScore = &v
		}
	}

	events, err := s.store.RecentEvents(r.Context(), f)
	if err != nil {
		s.logger.Error("live events query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// queryInt parses an integer query parameter; anything unparsable degrades
// to the default rather than rejecting the request.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryFloat(r *http.Request, name string, def float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
