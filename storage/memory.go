package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/parse"
)

// MemoryTimetable is a TimetableStore over in-memory GTFS fixtures.
// Tests populate the exported fields directly.
type MemoryTimetable struct {
	Agencies map[string]model.Agency
	Routes   map[string]model.Route
	Stops    map[string]model.Stop

	// Trips maps trip_id to its route, service calendar, headsign,
	// ordered stop calls and shape.
	Trips map[string]*MemoryTrip

	// DepartureTimes backs trip_id_to_date lookups, keyed by the
	// feed's synthetic trip id.
	DepartureTimes map[string]string

	// StopDescsByID overrides the stop_desc column, which model.Stop
	// does not carry.
	StopDescsByID map[string]string

	// RouteDescs and earliest departures for the lines catalog.
	RouteDescs    map[string]string
	EarliestHours map[string]string
}

// MemoryTrip is one trip with its calendar attached.
type MemoryTrip struct {
	TripID    string
	RouteID   string
	Headsign  string
	StopCalls []MemoryStopCall
	Shape     [][2]float64

	// Calendar bounds are local midnights; Days is the weekday mask.
	CalendarStart time.Time
	CalendarEnd   time.Time
	Days          map[time.Weekday]bool
}

// MemoryStopCall is one stoptimes row: a stop plus the arrival offset
// from the service day's midnight, which can exceed 24h.
type MemoryStopCall struct {
	StopID  string
	Arrival time.Duration
}

func NewMemoryTimetable() *MemoryTimetable {
	return &MemoryTimetable{
		Agencies:       map[string]model.Agency{},
		Routes:         map[string]model.Route{},
		Stops:          map[string]model.Stop{},
		Trips:          map[string]*MemoryTrip{},
		DepartureTimes: map[string]string{},
		StopDescsByID:  map[string]string{},
		RouteDescs:     map[string]string{},
		EarliestHours:  map[string]string{},
	}
}

func (m *MemoryTimetable) Close() error { return nil }

func (m *MemoryTimetable) AllAgencies(ctx context.Context, agencyIDs []string) (map[string]model.Agency, error) {
	out := map[string]model.Agency{}
	if len(agencyIDs) == 0 {
		for id, a := range m.Agencies {
			out[id] = a
		}
		return out, nil
	}
	for _, id := range agencyIDs {
		if a, ok := m.Agencies[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *MemoryTimetable) RelatedMetadata(ctx context.Context, agencyIDs, routeIDs, stopIDs []string) (*RelatedMetadata, error) {
	meta := &RelatedMetadata{
		Agencies: map[string]model.Agency{},
		Routes:   map[string]model.Route{},
		Stops:    map[string]model.Stop{},
	}
	for _, id := range agencyIDs {
		if a, ok := m.Agencies[id]; ok {
			meta.Agencies[id] = a
		}
	}
	for _, id := range routeIDs {
		if r, ok := m.Routes[id]; ok {
			meta.Routes[id] = r
		}
	}
	for _, id := range stopIDs {
		if s, ok := m.Stops[id]; ok {
			meta.Stops[id] = s
		}
	}
	return meta, nil
}

func (m *MemoryTimetable) RouteIDsAtStopsInDateranges(ctx context.Context, stopIDs []string, periods []model.ActivePeriod) ([]string, error) {
	wanted := map[string]bool{}
	for _, id := range stopIDs {
		wanted[id] = true
	}

	parts := []model.SubPeriod{}
	for _, p := range periods {
		parts = append(parts, p.Split()...)
	}

	found := map[string]bool{}
	for _, trip := range m.Trips {
		if found[trip.RouteID] {
			continue
		}
		for _, call := range trip.StopCalls {
			if !wanted[call.StopID] {
				continue
			}
			if tripCallOverlaps(trip, call, parts) {
				found[trip.RouteID] = true
				break
			}
		}
	}

	routeIDs := make([]string, 0, len(found))
	for id := range found {
		routeIDs = append(routeIDs, id)
	}
	sort.Strings(routeIDs)
	return routeIDs, nil
}

func tripCallOverlaps(trip *MemoryTrip, call MemoryStopCall, parts []model.SubPeriod) bool {
	for day := trip.CalendarStart; !day.After(trip.CalendarEnd); day = day.AddDate(0, 0, 1) {
		if len(trip.Days) > 0 && !trip.Days[day.Weekday()] {
			continue
		}
		at := day.Add(call.Arrival)
		for _, part := range parts {
			if part.Start != nil && at.Before(*part.Start) {
				continue
			}
			if part.End != nil && !at.Before(*part.End) {
				continue
			}
			return true
		}
	}
	return false
}

func (m *MemoryTimetable) AgenciesForRoutes(ctx context.Context, routeIDs []string) ([]string, error) {
	found := map[string]bool{}
	for _, id := range routeIDs {
		if r, ok := m.Routes[id]; ok {
			found[r.AgencyID] = true
		}
	}
	agencyIDs := make([]string, 0, len(found))
	for id := range found {
		agencyIDs = append(agencyIDs, id)
	}
	sort.Strings(agencyIDs)
	return agencyIDs, nil
}

func (m *MemoryTimetable) StopsByPolygon(ctx context.Context, polygon [][2]string) ([]string, error) {
	points := make([][2]float64, 0, len(polygon))
	for _, p := range polygon {
		lat, err := strconv.ParseFloat(p[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bad polygon latitude %q: %w", p[0], err)
		}
		lon, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad polygon longitude %q: %w", p[1], err)
		}
		points = append(points, [2]float64{lat, lon})
	}

	var stopIDs []string
	for id, stop := range m.Stops {
		if pointInPolygon(stop.Lat, stop.Lon, points) {
			stopIDs = append(stopIDs, id)
		}
	}
	sort.Strings(stopIDs)
	return stopIDs, nil
}

// pointInPolygon ray casts along the longitude axis.
func pointInPolygon(lat, lon float64, polygon [][2]float64) bool {
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, xi := polygon[i][0], polygon[i][1]
		yj, xj := polygon[j][0], polygon[j][1]
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func (m *MemoryTimetable) TripDepartureTimes(ctx context.Context, tripIDs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range tripIDs {
		if t, ok := m.DepartureTimes[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

type tripCandidate struct {
	tripID   string
	contains bool
	started  bool
	distance int
	onDay    bool
}

func (m *MemoryTimetable) RepresentativeTripID(ctx context.Context, routeID string, date time.Time) (string, error) {
	y, mo, d := date.Date()
	date = time.Date(y, mo, d, 0, 0, 0, 0, model.Jerusalem)

	var best *tripCandidate
	for _, trip := range m.Trips {
		if trip.RouteID != routeID {
			continue
		}
		diff := int(trip.CalendarStart.Sub(date).Hours() / 24)
		c := &tripCandidate{
			tripID:   trip.TripID,
			contains: !date.Before(trip.CalendarStart) && !date.After(trip.CalendarEnd),
			started:  diff <= 0,
			distance: abs(diff),
			onDay:    len(trip.Days) == 0 || trip.Days[date.Weekday()],
		}
		if best == nil || betterCandidate(c, best) {
			best = c
		}
	}
	if best == nil {
		return "", fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	return best.tripID, nil
}

func betterCandidate(a, b *tripCandidate) bool {
	if a.contains != b.contains {
		return a.contains
	}
	if a.started != b.started {
		return a.started
	}
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	if a.onDay != b.onDay {
		return a.onDay
	}
	return a.tripID < b.tripID
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (m *MemoryTimetable) StopSequence(ctx context.Context, tripID string) ([]string, error) {
	trip, ok := m.Trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	stopIDs := make([]string, len(trip.StopCalls))
	for i, call := range trip.StopCalls {
		stopIDs[i] = call.StopID
	}
	return stopIDs, nil
}

func (m *MemoryTimetable) TripHeadsign(ctx context.Context, tripID string) (string, error) {
	trip, ok := m.Trips[tripID]
	if !ok {
		return "", fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	return trip.Headsign, nil
}

func (m *MemoryTimetable) RouteMetadata(ctx context.Context, routeID string) (*model.RouteMetadata, error) {
	route, ok := m.Routes[routeID]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	return &model.RouteMetadata{
		RouteID:    route.ID,
		RouteDesc:  m.RouteDescs[route.ID],
		AgencyID:   route.AgencyID,
		LineNumber: route.ShortName,
		AgencyName: m.Agencies[route.AgencyID].Name,
	}, nil
}

func (m *MemoryTimetable) StopDescs(ctx context.Context, stopIDs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range stopIDs {
		if _, ok := m.Stops[id]; ok {
			out[id] = m.StopDescsByID[id]
		}
	}
	return out, nil
}

func (m *MemoryTimetable) StopsForMap(ctx context.Context, stopIDs []string) (map[string]model.StopForMap, error) {
	out := map[string]model.StopForMap{}
	for _, id := range stopIDs {
		if s, ok := m.Stops[id]; ok {
			out[id] = model.StopForMap{Lon: s.Lon, Lat: s.Lat}
		}
	}
	return out, nil
}

func (m *MemoryTimetable) StopMetadata(ctx context.Context, stopIDs []string) (map[string]model.Stop, error) {
	out := map[string]model.Stop{}
	for _, id := range stopIDs {
		if s, ok := m.Stops[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (m *MemoryTimetable) ShapePoints(ctx context.Context, tripID string) ([][2]float64, error) {
	trip, ok := m.Trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	return trip.Shape, nil
}

func (m *MemoryTimetable) AllStopCoordsByRouteIDs(ctx context.Context, routeIDs []string) ([][2]float64, error) {
	wanted := map[string]bool{}
	for _, id := range routeIDs {
		wanted[id] = true
	}

	seen := map[string]bool{}
	var coords [][2]float64
	for _, trip := range m.Trips {
		if !wanted[trip.RouteID] {
			continue
		}
		for _, call := range trip.StopCalls {
			if seen[call.StopID] {
				continue
			}
			seen[call.StopID] = true
			if s, ok := m.Stops[call.StopID]; ok {
				coords = append(coords, [2]float64{s.Lat, s.Lon})
			}
		}
	}
	return coords, nil
}

func (m *MemoryTimetable) LineRows(ctx context.Context) ([]model.ActualLineRow, error) {
	rows := []model.ActualLineRow{}
	for routeID, route := range m.Routes {
		row := model.ActualLineRow{
			RouteID:        routeID,
			RouteShortName: route.ShortName,
			RouteDesc:      m.RouteDescs[routeID],
			AgencyID:       route.AgencyID,
			EarliestHour:   m.EarliestHours[routeID],
		}

		stopSeen := map[string]bool{}
		citySeen := map[string]bool{}
		for _, trip := range m.Trips {
			if trip.RouteID != routeID {
				continue
			}
			if row.Headsign == "" {
				row.Headsign = trip.Headsign
			}
			for _, call := range trip.StopCalls {
				if !stopSeen[call.StopID] {
					stopSeen[call.StopID] = true
					row.StopIDs = append(row.StopIDs, call.StopID)
				}
				if city := parse.CityFromStopDesc(m.StopDescsByID[call.StopID]); city != "" && !citySeen[city] {
					citySeen[city] = true
					row.Cities = append(row.Cities, city)
				}
			}
		}

		sort.Strings(row.StopIDs)
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RouteShortName != rows[j].RouteShortName {
			return rows[i].RouteShortName < rows[j].RouteShortName
		}
		if rows[i].AgencyID != rows[j].AgencyID {
			return rows[i].AgencyID < rows[j].AgencyID
		}
		return rows[i].RouteID < rows[j].RouteID
	})
	return rows, nil
}

// MemoryAlerts is an AlertStore backed by a map, mirroring the
// Postgres store's upsert and deletion semantics.
type MemoryAlerts struct {
	mu     sync.RWMutex
	alerts map[string]*model.Alert

	// Now lets tests pin the expiry clock.
	Now func() time.Time
}

func NewMemoryAlerts() *MemoryAlerts {
	return &MemoryAlerts{
		alerts: map[string]*model.Alert{},
		Now:    time.Now,
	}
}

func (m *MemoryAlerts) Close() error { return nil }

func (m *MemoryAlerts) UpsertAlert(ctx context.Context, alert *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *alert
	if prev, ok := m.alerts[alert.ID]; ok && prev.DeletionTstz != nil && copied.DeletionTstz != nil {
		if prev.DeletionTstz.Before(*copied.DeletionTstz) {
			copied.DeletionTstz = prev.DeletionTstz
		}
	}

	m.alerts[alert.ID] = &copied
	return nil
}

func (m *MemoryAlerts) MarkDeletedExcept(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keep := map[string]bool{}
	for _, id := range ids {
		keep[id] = true
	}

	var n int64
	for id, alert := range m.alerts {
		if keep[id] || alert.DeletionTstz != nil {
			continue
		}
		stamp := now
		alert.DeletionTstz = &stamp
		n++
	}
	return n, nil
}

func (m *MemoryAlerts) ListAlerts(ctx context.Context) ([]*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.Now()
	var alerts []*model.Alert
	for _, alert := range m.alerts {
		a := *alert
		a.IsDeleted = a.DeletionTstz != nil
		a.IsExpired = a.LastEndTime.Before(now)
		if a.IsDeleted && a.IsExpired {
			continue
		}
		alerts = append(alerts, &a)
	}

	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].LastEndTime.Equal(alerts[j].LastEndTime) {
			return alerts[i].LastEndTime.After(alerts[j].LastEndTime)
		}
		if !alerts[i].FirstStartTime.Equal(alerts[j].FirstStartTime) {
			return alerts[i].FirstStartTime.After(alerts[j].FirstStartTime)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

func (m *MemoryAlerts) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}

	a := *alert
	a.IsDeleted = a.DeletionTstz != nil
	a.IsExpired = a.LastEndTime.Before(m.Now())
	return &a, nil
}
