package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	alerts "opentransit.dev/alerts"
	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

func (s *Server) handleAllAlerts(w http.ResponseWriter, r *http.Request) {
	loc, ok := parseLocation(r.URL.Query().Get("current_location"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "malformed current_location")
		return
	}

	cacheKey := "all_alerts"
	if loc != nil {
		cacheKey += "|" + loc.key
	}
	if body, ok := s.responses.Get(cacheKey); ok {
		s.writeCached(w, body)
		return
	}

	stored, err := s.Alerts.ListAlerts(r.Context())
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	enriched, metadata, err := s.Enricher.EnrichAlerts(r.Context(), stored, s.Now())
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	if loc != nil {
		err = s.Enricher.LocateAlerts(r.Context(), loc.point, loc.key, enriched, stored, metadata, s.distances)
		if err != nil {
			s.writeStoreError(w, r.Context(), err)
			return
		}
	}

	s.writeJSON(w, cacheKey, &model.AllAlertsResponse{Alerts: enriched})
}

func (s *Server) handleSingleAlert(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	loc, ok := parseLocation(r.URL.Query().Get("current_location"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "malformed current_location")
		return
	}

	cacheKey := "single_alert|" + id
	if loc != nil {
		cacheKey += "|" + loc.key
	}
	if body, ok := s.responses.Get(cacheKey); ok {
		s.writeCached(w, body)
		return
	}

	alert, err := s.Alerts.GetAlert(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no such alert")
		return
	}
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	stored := []*model.Alert{alert}
	enriched, metadata, err := s.Enricher.EnrichAlerts(r.Context(), stored, s.Now())
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	if loc != nil {
		err = s.Enricher.LocateAlerts(r.Context(), loc.point, loc.key, enriched, stored, metadata, s.distances)
		if err != nil {
			s.writeStoreError(w, r.Context(), err)
			return
		}
	}

	response := &model.SingleAlertResponse{Alerts: enriched}

	rc, err := s.routeChangesForAlert(r.Context(), alert)
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}
	if rc != nil {
		response.RouteChanges = rc.RouteChanges
		response.StopsForMap = rc.StopsForMap
		response.MapBoundingBox = &rc.MapBoundingBox
	}

	s.writeJSON(w, cacheKey, response)
}

func (s *Server) handleGetRouteChanges(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	cacheKey := "route_changes|" + id
	if body, ok := s.responses.Get(cacheKey); ok {
		s.writeCached(w, body)
		return
	}

	alert, err := s.Alerts.GetAlert(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no such alert")
		return
	}
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	rc, err := s.routeChangesForAlert(r.Context(), alert)
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}
	if rc == nil {
		rc = &model.RouteChangesResponse{}
	}

	s.writeJSON(w, cacheKey, rc)
}

func (s *Server) handleAllLines(w http.ResponseWriter, r *http.Request) {
	loc, ok := parseLocation(r.URL.Query().Get("current_location"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "malformed current_location")
		return
	}

	cacheKey := "all_lines"
	if loc != nil {
		cacheKey += "|" + loc.key
	}
	if body, ok := s.responses.Get(cacheKey); ok {
		s.writeCached(w, body)
		return
	}

	stored, err := s.Alerts.ListAlerts(r.Context())
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	response := s.Enricher.AllLines(s.catalog, stored, s.Now())
	if loc != nil {
		alerts.LocateLines(loc.point, response, s.catalogStops, s.catalog.AllAgencies)
	}

	s.writeJSON(w, cacheKey, response)
}

func (s *Server) handleSingleLine(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	cacheKey := "single_line|" + id
	if body, ok := s.responses.Get(cacheKey); ok {
		s.writeCached(w, body)
		return
	}

	stored, err := s.Alerts.ListAlerts(r.Context())
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	response, err := s.Enricher.SingleLine(r.Context(), s.catalog, id, stored, s.Now())
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no such line")
		return
	}
	if err != nil {
		s.writeStoreError(w, r.Context(), err)
		return
	}

	s.writeJSON(w, cacheKey, response)
}

// routeChangesForAlert caches the computed route changes per alert id.
// Nil means the alert's use case has no route changes.
func (s *Server) routeChangesForAlert(ctx context.Context, alert *model.Alert) (*model.RouteChangesResponse, error) {
	if !alert.UseCase.HasRouteChanges() {
		return nil, nil
	}

	if rc, ok := s.routeChanges.Get(alert.ID); ok {
		return rc, nil
	}

	rc, err := s.Enricher.RouteChangesForAlert(ctx, alert, s.Now())
	if err != nil {
		return nil, err
	}
	s.routeChanges.Set(alert.ID, rc)
	return rc, nil
}

// writeJSON serializes the response once, caches the bytes, and writes
// them. Caching serialized bytes keeps cached values immutable without
// deep copying.
func (s *Server) writeJSON(w http.ResponseWriter, cacheKey string, v interface{}) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		s.Log.Error("encoding response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := buf.Bytes()
	if cacheKey != "" {
		s.responses.Set(cacheKey, body)
	}
	s.writeCached(w, body)
}

func (s *Server) writeCached(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.Log.Warn("writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeStoreError maps a failed store call to 503 when the request or
// statement timed out and 500 otherwise.
func (s *Server) writeStoreError(w http.ResponseWriter, ctx context.Context, err error) {
	s.Log.Error("request failed", "error", err)
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		s.writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
