// Package api exposes the operational HTTP interface for the ingestion
// engine: health, status, metrics, and a small admin surface for sources and
// egress routes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/egress"
	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/pacing"
)

// ReportSource yields the most recent cycle report, if one exists.
type ReportSource interface {
	LastReport() (ingest.CycleReport, bool)
}

// Server wires HTTP handlers to the engine's components.
type Server struct {
	router  chi.Router
	store   ingest.ListingStore
	sources ingest.SourceStore
	pool    *egress.Pool
	pacer   *pacing.Controller
	reports ReportSource
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. reports may be
// nil when the run loop has not been started.
func NewServer(
	store ingest.ListingStore,
	sources ingest.SourceStore,
	pool *egress.Pool,
	pacer *pacing.Controller,
	reports ReportSource,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		sources: sources,
		pool:    pool,
		pacer:   pacer,
		reports: reports,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.addSource)
		})
		r.Route("/routes", func(r chi.Router) {
			r.Post("/", s.addRoute)
			r.Delete("/{host}/{port}", s.removeRoute)
		})
		r.Get("/listings/{id}/history", s.priceHistory)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountListings(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Listings         int                 `json:"listings"`
	PacingMultiplier float64             `json:"pacing_multiplier"`
	Routes           egress.Stats        `json:"routes"`
	LastCycle        *ingest.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountListings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count listings failed")
		return
	}
	resp := statusResponse{
		Listings:         count,
		PacingMultiplier: s.pacer.Multiplier(),
		Routes:           s.pool.Snapshot(),
	}
	if s.reports != nil {
		if report, ok := s.reports.LastReport(); ok {
			resp.LastCycle = &report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.sources.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sources failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": list})
}

type addSourceRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	src, err := s.sources.AddSource(r.Context(), req.Name, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "add source failed")
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

type addRouteRequest struct {
	Route string `json:"route"`
}

func (s *Server) addRoute(w http.ResponseWriter, r *http.Request) {
	var req addRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Route == "" {
		writeError(w, http.StatusBadRequest, "route is required")
		return
	}
	route, err := egress.ParseRoute(req.Route)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.pool.Add(route)
	writeJSON(w, http.StatusCreated, map[string]string{"key": route.Key()})
}

func (s *Server) removeRoute(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "port must be numeric")
		return
	}
	if !s.pool.Remove(host, port) {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": host + ":" + strconv.Itoa(port)})
}

func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	listing, ok, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	history, err := s.store.PriceHistory(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing": listing, "history": history})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
