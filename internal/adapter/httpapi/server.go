// Package httpapi exposes the persisted entity collections and the live
// upstream passthrough over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/traffic-feed-service/internal/adapter/fiveoneone"
	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/observability"
	"github.com/couchcryptid/traffic-feed-service/internal/store"
)

// EntityReader is the persisted-query surface the server needs.
type EntityReader interface {
	Query(ctx context.Context, f store.Filter) ([]domain.Entity, error)
	Get(ctx context.Context, id string) (domain.Entity, error)
	Status(ctx context.Context) (store.StatusSummary, error)
}

// LiveFetcher performs on-demand upstream fetches for the passthrough
// routes.
type LiveFetcher interface {
	FetchMapFeatures(ctx context.Context, vp domain.BBox, zoom int, layerSlugs []string, source string) ([]domain.Entity, error)
}

// Options carry the request-handling knobs the server needs from config.
type Options struct {
	Source    string
	Zoom      int
	ExposeRaw bool
}

// Server serves the query API, health, status, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	reader     EntityReader
	live       LiveFetcher
	metrics    *observability.Metrics
	logger     *slog.Logger
	opts       Options
}

// liveLayer maps a passthrough route to upstream layer slugs and an
// optional post-normalization category filter.
type liveLayer struct {
	slugs      []string
	categories []domain.Category
}

var liveLayers = map[string]liveLayer{
	"incidents":       {slugs: []string{"incidents"}, categories: []domain.Category{domain.CategoryCrash, domain.CategoryIncident}},
	"closures":        {slugs: []string{"closures"}, categories: []domain.Category{domain.CategoryClosure}},
	"cameras":         {slugs: []string{"cameras"}, categories: []domain.Category{domain.CategoryCamera}},
	"plows":           {slugs: []string{"plowCameras"}, categories: []domain.Category{domain.CategoryPlow}},
	"road-conditions": {slugs: []string{"roadConditions"}},
	"weather-events":  {slugs: []string{"weatherEvents"}},
	"alerts":          {slugs: []string{"incidents", "closures", "weatherEvents"}},
}

// NewServer wires all routes onto a gorilla/mux router.
func NewServer(addr string, reader EntityReader, live LiveFetcher, metrics *observability.Metrics, logger *slog.Logger, opts Options) *Server {
	s := &Server{
		reader:  reader,
		live:    live,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/meta/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/v1/entities", s.handleCollection(preset{})).Methods(http.MethodGet)
	r.HandleFunc("/v1/entities/{id}", s.handleEntity).Methods(http.MethodGet)

	// Convenience collections over the same query path.
	r.HandleFunc("/v1/cameras", s.handleCollection(preset{
		status:     domain.StatusActive,
		categories: []domain.Category{domain.CategoryCamera},
	})).Methods(http.MethodGet)
	r.HandleFunc("/traffic", s.handleCollection(preset{
		status: domain.StatusActive,
		categories: []domain.Category{
			domain.CategoryCrash, domain.CategoryIncident,
			domain.CategoryConstruction, domain.CategoryClosure,
		},
	})).Methods(http.MethodGet)
	r.HandleFunc("/incidents", s.handleCollection(preset{
		status:     domain.StatusActive,
		categories: []domain.Category{domain.CategoryCrash, domain.CategoryIncident},
	})).Methods(http.MethodGet)
	r.HandleFunc("/closures", s.handleCollection(preset{
		status:     domain.StatusActive,
		categories: []domain.Category{domain.CategoryClosure},
	})).Methods(http.MethodGet)
	r.HandleFunc("/conditions", s.handleCollection(preset{
		status: domain.StatusActive,
		categories: []domain.Category{
			domain.CategoryCondition, domain.CategoryWeather, domain.CategoryPlow,
		},
	})).Methods(http.MethodGet)

	r.HandleFunc("/api/{layer}", s.handleLive).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reader.Status(r.Context())
	if err != nil {
		s.logger.Error("status summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"total":        sum.Total,
		"active":       sum.Active,
		"cleared":      sum.Cleared,
		"last_seen_at": sum.LastSeenAt,
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, err := s.reader.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("entity lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"feature": toFeature(e, s.opts.ExposeRaw),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	layer, ok := liveLayers[mux.Vars(r)["layer"]]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	bbox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil || bbox == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BBOX")
		return
	}
	zoom := s.opts.Zoom
	if z, ok := parseInt(r.URL.Query().Get("zoom")); ok && z >= 0 {
		zoom = z
	}

	entities, err := s.live.FetchMapFeatures(r.Context(), *bbox, zoom, layer.slugs, s.opts.Source)
	if err != nil {
		switch {
		case errors.Is(err, fiveoneone.ErrMalformed):
			writeError(w, http.StatusBadGateway, "UPSTREAM_MALFORMED")
		case errors.Is(err, fiveoneone.ErrUnavailable):
			writeError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE")
		default:
			s.logger.Error("live fetch failed", "layer", mux.Vars(r)["layer"], "error", err)
			writeError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE")
		}
		return
	}

	features := make([]feature, 0, len(entities))
	for i := range entities {
		if len(layer.categories) > 0 && !containsCategory(layer.categories, entities[i].Category) {
			continue
		}
		features = append(features, toFeature(entities[i], s.opts.ExposeRaw))
	}
	writeJSON(w, http.StatusOK, collection{
		OK:       true,
		Count:    len(features),
		Type:     "FeatureCollection",
		Features: features,
	})
}

func containsCategory(cats []domain.Category, c domain.Category) bool {
	for _, candidate := range cats {
		if candidate == c {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response write
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}
