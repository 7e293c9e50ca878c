// Package storage provides access to the two databases the pipeline
// talks to: the read-only static timetable (standard GTFS tables plus
// the ministry's trip_id_to_date extension) and the read-write alerts
// database. Both come as Postgres implementations, with in-memory
// counterparts for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"opentransit.dev/alerts/model"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// RelatedMetadata is the timetable metadata referenced by a batch of
// alerts, keyed by id.
type RelatedMetadata struct {
	Agencies map[string]model.Agency
	Routes   map[string]model.Route
	Stops    map[string]model.Stop
}

// TimetableStore reads the static timetable. Implementations must be
// safe for concurrent use; the query server calls these from request
// handlers.
type TimetableStore interface {
	// AllAgencies returns agencies by id. With no ids given, every
	// agency is returned.
	AllAgencies(ctx context.Context, agencyIDs []string) (map[string]model.Agency, error)

	// RelatedMetadata resolves agency, route and stop ids to their
	// metadata. Unknown ids are silently absent from the result.
	RelatedMetadata(ctx context.Context, agencyIDs, routeIDs, stopIDs []string) (*RelatedMetadata, error)

	// RouteIDsAtStopsInDateranges returns the distinct routes with a
	// trip calling at any of the stops on a service day overlapping
	// any of the active periods.
	RouteIDsAtStopsInDateranges(ctx context.Context, stopIDs []string, periods []model.ActivePeriod) ([]string, error)

	// AgenciesForRoutes returns the distinct agency ids operating the
	// given routes.
	AgenciesForRoutes(ctx context.Context, routeIDs []string) ([]string, error)

	// StopsByPolygon returns the ids of stops inside the polygon,
	// given as [lat, lon] string pairs.
	StopsByPolygon(ctx context.Context, polygon [][2]string) ([]string, error)

	// TripDepartureTimes resolves the feed's synthetic trip ids to
	// scheduled departure times via trip_id_to_date.
	TripDepartureTimes(ctx context.Context, tripIDs []string) (map[string]string, error)

	// RepresentativeTripID picks the trip that best represents the
	// route on the given date: calendar containing the date first,
	// then calendars starting before it, nearest by start date, with
	// the date's weekday as the final tiebreak.
	RepresentativeTripID(ctx context.Context, routeID string, date time.Time) (string, error)

	// StopSequence returns a trip's stop ids ordered by stop_sequence.
	StopSequence(ctx context.Context, tripID string) ([]string, error)

	// TripHeadsign returns a trip's headsign, possibly empty.
	TripHeadsign(ctx context.Context, tripID string) (string, error)

	// RouteMetadata returns the route+agency join for one route.
	RouteMetadata(ctx context.Context, routeID string) (*model.RouteMetadata, error)

	// StopDescs returns stop_desc by stop id.
	StopDescs(ctx context.Context, stopIDs []string) (map[string]string, error)

	// StopsForMap returns coordinates by stop id.
	StopsForMap(ctx context.Context, stopIDs []string) (map[string]model.StopForMap, error)

	// StopMetadata returns full stop rows by id.
	StopMetadata(ctx context.Context, stopIDs []string) (map[string]model.Stop, error)

	// ShapePoints returns a trip's shape as [lon, lat] pairs ordered
	// by shape_pt_sequence. An empty result means the trip has no
	// shape.
	ShapePoints(ctx context.Context, tripID string) ([][2]float64, error)

	// AllStopCoordsByRouteIDs returns the distinct [lat, lon] pairs
	// of every stop served by the given routes.
	AllStopCoordsByRouteIDs(ctx context.Context, routeIDs []string) ([][2]float64, error)

	// LineRows returns the per-route raw material for the startup
	// lines catalog: route metadata plus its distinct stops, the
	// cities it passes through, and its earliest departure hour.
	LineRows(ctx context.Context) ([]model.ActualLineRow, error)

	Close() error
}

// AlertStore persists normalized alerts. The ingester is the only
// writer; the query server only reads.
type AlertStore interface {
	// UpsertAlert writes one alert and its agency/route/stop relations
	// in a single transaction. On conflict every column is overwritten
	// except deletion_tstz, which keeps the earliest deletion stamp
	// and resets to null when the incoming alert is not deleted.
	UpsertAlert(ctx context.Context, alert *model.Alert) error

	// MarkDeletedExcept stamps deletion_tstz=now on every alert whose
	// id is absent from ids and not already stamped. It returns the
	// number of alerts stamped. An empty id list is a no-op.
	MarkDeletedExcept(ctx context.Context, ids []string, now time.Time) (int64, error)

	// ListAlerts returns all alerts that are not both deleted and
	// expired, with relations and computed flags filled in.
	ListAlerts(ctx context.Context) ([]*model.Alert, error)

	// GetAlert returns one alert by id, or ErrNotFound.
	GetAlert(ctx context.Context, id string) (*model.Alert, error)

	Close() error
}
