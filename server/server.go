// Package server exposes the enriched alert views over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	alerts "opentransit.dev/alerts"
	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

const cacheTTL = 10 * time.Minute

// Server holds the query side of the pipeline: read-only access to
// both stores, the startup lines catalog, and the response caches.
type Server struct {
	Timetable storage.TimetableStore
	Alerts    storage.AlertStore
	Enricher  *alerts.Enricher
	Log       *slog.Logger

	// Now is swappable for tests.
	Now func() time.Time

	catalog      *alerts.LinesCatalog
	catalogStops map[string]model.StopForMap

	responses    *alerts.Cache[[]byte]
	routeChanges *alerts.Cache[*model.RouteChangesResponse]
	distances    *alerts.Cache[*float64]
}

// New builds the lines catalog and the stop coordinate lookup, then
// returns a ready-to-serve Server. Catalog construction reads the
// whole routes table, so this takes a while on a full national
// timetable.
func New(ctx context.Context, timetable storage.TimetableStore, alertStore storage.AlertStore, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		Timetable:    timetable,
		Alerts:       alertStore,
		Enricher:     alerts.NewEnricher(timetable, log),
		Log:          log,
		Now:          time.Now,
		responses:    alerts.NewCache[[]byte](cacheTTL, 256),
		routeChanges: alerts.NewCache[*model.RouteChangesResponse](cacheTTL, 512),
		distances:    alerts.NewCache[*float64](cacheTTL, 2048),
	}

	started := time.Now()
	catalog, err := alerts.BuildLinesCatalog(ctx, timetable)
	if err != nil {
		return nil, fmt.Errorf("building lines catalog: %w", err)
	}
	s.catalog = catalog

	stopIDs := map[string]bool{}
	for _, line := range catalog.List {
		for _, id := range line.AllStopIDsDistinct {
			stopIDs[id] = true
		}
	}
	ids := make([]string, 0, len(stopIDs))
	for id := range stopIDs {
		ids = append(ids, id)
	}
	s.catalogStops, err = timetable.StopsForMap(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading stop coordinates: %w", err)
	}

	log.Info("lines catalog ready",
		"lines", len(catalog.List),
		"stops", len(s.catalogStops),
		"elapsed", time.Since(started))
	return s, nil
}

// Router returns the chi router serving the /api endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/all_alerts", s.handleAllAlerts)
		r.Get("/single_alert", s.handleSingleAlert)
		r.Get("/get_route_changes", s.handleGetRouteChanges)
		r.Get("/all_lines", s.handleAllLines)
		r.Get("/single_line", s.handleSingleLine)
	})

	return r
}

// ListenAndServe blocks serving the router until the context is
// canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// location is a parsed current_location query parameter.
type location struct {
	point alerts.GridPoint
	key   string
}

// parseLocation decodes "lat_lon" with coordinates rounded to six
// decimals, which also canonicalizes the cache key. Extra underscore
// separated fields are ignored.
func parseLocation(raw string) (*location, bool) {
	if raw == "" {
		return nil, true
	}

	parts := strings.Split(raw, "_")
	if len(parts) < 2 {
		return nil, false
	}

	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, false
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, false
	}

	lat = math.Round(lat*1e6) / 1e6
	lon = math.Round(lon*1e6) / 1e6

	return &location{
		point: alerts.ProjectWGS84(lat, lon),
		key:   strconv.FormatFloat(lat, 'f', 6, 64) + "_" + strconv.FormatFloat(lon, 'f', 6, 64),
	}, true
}
