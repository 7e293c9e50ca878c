package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"opentransit.dev/alerts/model"
)

// PSQLTimetableStore reads the static timetable out of Postgres. The
// schema is the standard GTFS table-per-file layout (agency, routes,
// stops, trips, stoptimes, calendar, shapes) plus the ministry's
// trip_id_to_date table.
type PSQLTimetableStore struct {
	db *sql.DB
}

// NewPSQLTimetableStore connects to the timetable database.
func NewPSQLTimetableStore(connStr string) (*PSQLTimetableStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PSQLTimetableStore{db: db}, nil
}

func (s *PSQLTimetableStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLTimetableStore) AllAgencies(ctx context.Context, agencyIDs []string) (map[string]model.Agency, error) {
	query := `SELECT agency_id, agency_name FROM agency`
	params := []interface{}{}
	if len(agencyIDs) > 0 {
		query += ` WHERE agency_id = ANY($1)`
		params = append(params, pq.Array(agencyIDs))
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := map[string]model.Agency{}
	for rows.Next() {
		var a model.Agency
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies[a.ID] = a
	}

	return agencies, rows.Err()
}

func (s *PSQLTimetableStore) RelatedMetadata(ctx context.Context, agencyIDs, routeIDs, stopIDs []string) (*RelatedMetadata, error) {
	meta := &RelatedMetadata{
		Agencies: map[string]model.Agency{},
		Routes:   map[string]model.Route{},
		Stops:    map[string]model.Stop{},
	}

	var err error
	if len(agencyIDs) > 0 {
		meta.Agencies, err = s.AllAgencies(ctx, agencyIDs)
		if err != nil {
			return nil, err
		}
	}

	if len(routeIDs) > 0 {
		rows, err := s.db.QueryContext(ctx, `
SELECT route_id, route_short_name, agency_id
FROM routes
WHERE route_id = ANY($1)`,
			pq.Array(routeIDs))
		if err != nil {
			return nil, fmt.Errorf("querying routes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r model.Route
			if err := rows.Scan(&r.ID, &r.ShortName, &r.AgencyID); err != nil {
				return nil, fmt.Errorf("scanning route: %w", err)
			}
			meta.Routes[r.ID] = r
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if len(stopIDs) > 0 {
		meta.Stops, err = s.StopMetadata(ctx, stopIDs)
		if err != nil {
			return nil, err
		}
	}

	return meta, nil
}

func (s *PSQLTimetableStore) StopMetadata(ctx context.Context, stopIDs []string) (map[string]model.Stop, error) {
	stops := map[string]model.Stop{}
	if len(stopIDs) == 0 {
		return stops, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stop_id, stop_lon, stop_lat, stop_name, stop_code
FROM stops
WHERE stop_id = ANY($1)`,
		pq.Array(stopIDs))
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st model.Stop
		if err := rows.Scan(&st.ID, &st.Lon, &st.Lat, &st.Name, &st.Code); err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops[st.ID] = st
	}

	return stops, rows.Err()
}

// Weekday columns of the calendar table, indexed by time.Weekday.
var calendarDow = [7]string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

func (s *PSQLTimetableStore) RouteIDsAtStopsInDateranges(ctx context.Context, stopIDs []string, periods []model.ActivePeriod) ([]string, error) {
	if len(stopIDs) == 0 || len(periods) == 0 {
		return nil, nil
	}

	query, params := routesAtStopsQuery(stopIDs, periods)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying routes at stops: %w", err)
	}
	defer rows.Close()

	var routeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning route_id: %w", err)
		}
		routeIDs = append(routeIDs, id)
	}

	return routeIDs, rows.Err()
}

// routesAtStopsQuery builds the temporal overlap query. Every active
// period is day-aligned via Split; bounded sub-periods additionally
// constrain the calendar's weekday columns. Trips with arrival_time
// past 24h run on the service day before the wall clock day, hence
// the shifted weekday mask.
func routesAtStopsQuery(stopIDs []string, periods []model.ActivePeriod) (string, []interface{}) {
	query := strings.Builder{}
	query.WriteString(`SELECT DISTINCT route_id FROM trips ` +
		`INNER JOIN stoptimes ON trips.trip_id = stoptimes.trip_id ` +
		`INNER JOIN calendar ON trips.service_id = calendar.service_id ` +
		`WHERE stoptimes.stop_id = ANY($1) `)

	params := []interface{}{pq.Array(stopIDs)}
	next := func(v interface{}) string {
		params = append(params, v)
		return fmt.Sprintf("$%d", len(params))
	}

	serviceStart := `calendar.start_date AT TIME ZONE 'Asia/Jerusalem' + stoptimes.arrival_time`
	serviceEnd := `calendar.end_date AT TIME ZONE 'Asia/Jerusalem' + stoptimes.arrival_time`

	conditions := []string{}
	for _, period := range periods {
		for _, part := range period.Split() {
			var cond string
			switch {
			case part.Start != nil && part.End == nil:
				cond = serviceEnd + ` >= ` + next(*part.Start)
			case part.Start == nil && part.End != nil:
				cond = serviceStart + ` < ` + next(*part.End)
			case part.Start != nil && part.End != nil:
				cond = fmt.Sprintf(`(%s, %s + INTERVAL '1 second') OVERLAPS (%s, %s)`,
					serviceStart, serviceEnd, next(*part.Start), next(*part.End))
				cond += dowMask(part, next)
			default:
				continue
			}
			conditions = append(conditions, cond)
		}
	}

	if len(conditions) > 0 {
		query.WriteString(`AND ((` + strings.Join(conditions, `) OR (`) + `))`)
	}
	query.WriteString(`;`)

	return query.String(), params
}

func dowMask(part model.SubPeriod, next func(interface{}) string) string {
	start, end := *part.Start, *part.End

	dows := map[time.Weekday]bool{}
	for d := start; d.Before(end) && len(dows) < 7; d = d.AddDate(0, 0, 1) {
		dows[d.Weekday()] = true
	}
	if len(dows) == 0 || len(dows) == 7 {
		return ""
	}

	sameDow := []string{}
	prevDow := []string{}
	for dow := time.Sunday; dow <= time.Saturday; dow++ {
		if !dows[dow] {
			continue
		}
		sameDow = append(sameDow, `calendar.`+calendarDow[dow]+` = TRUE`)
		prevDow = append(prevDow, `calendar.`+calendarDow[(dow+6)%7]+` = TRUE`)
	}

	lessThanADay := end.Sub(start) < 24*time.Hour

	window := func(midnight time.Time) string {
		if !lessThanADay {
			return ``
		}
		return fmt.Sprintf(` AND (%s + stoptimes.arrival_time) BETWEEN %s AND %s`,
			next(midnight), next(start), next(end))
	}

	y, m, d := start.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, model.Jerusalem)

	return ` AND ((` +
		`stoptimes.arrival_time < INTERVAL '24 hours' AND (` + strings.Join(sameDow, ` OR `) + `)` +
		window(midnight) +
		`) OR (` +
		`stoptimes.arrival_time >= INTERVAL '24 hours' AND (` + strings.Join(prevDow, ` OR `) + `)` +
		window(midnight.AddDate(0, 0, -1)) +
		`))`
}

func (s *PSQLTimetableStore) AgenciesForRoutes(ctx context.Context, routeIDs []string) ([]string, error) {
	if len(routeIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT agency_id FROM routes WHERE route_id = ANY($1)`,
		pq.Array(routeIDs))
	if err != nil {
		return nil, fmt.Errorf("querying agencies for routes: %w", err)
	}
	defer rows.Close()

	var agencyIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning agency_id: %w", err)
		}
		agencyIDs = append(agencyIDs, id)
	}

	return agencyIDs, rows.Err()
}

func (s *PSQLTimetableStore) StopsByPolygon(ctx context.Context, polygon [][2]string) ([]string, error) {
	if len(polygon) == 0 {
		return nil, nil
	}

	points := make([]string, len(polygon))
	for i, p := range polygon {
		points[i] = "(" + p[0] + "," + p[1] + ")"
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stop_id FROM stops WHERE point(stop_lat, stop_lon) <@ polygon $1`,
		"("+strings.Join(points, ",")+")")
	if err != nil {
		return nil, fmt.Errorf("querying stops by polygon: %w", err)
	}
	defer rows.Close()

	var stopIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stop_id: %w", err)
		}
		stopIDs = append(stopIDs, id)
	}

	return stopIDs, rows.Err()
}

func (s *PSQLTimetableStore) TripDepartureTimes(ctx context.Context, tripIDs []string) (map[string]string, error) {
	times := map[string]string{}
	if len(tripIDs) == 0 {
		return times, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT "TripId", "DepartureTime" FROM trip_id_to_date WHERE "TripId" = ANY($1)`,
		pq.Array(tripIDs))
	if err != nil {
		return nil, fmt.Errorf("querying trip departure times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tripID, departure string
		if err := rows.Scan(&tripID, &departure); err != nil {
			return nil, fmt.Errorf("scanning departure time: %w", err)
		}
		times[tripID] = departure
	}

	return times, rows.Err()
}

func (s *PSQLTimetableStore) RepresentativeTripID(ctx context.Context, routeID string, date time.Time) (string, error) {
	y, m, d := date.Date()
	date = time.Date(y, m, d, 0, 0, 0, 0, model.Jerusalem)

	var tripID string
	err := s.db.QueryRowContext(ctx, `
SELECT trips.trip_id
FROM trips
INNER JOIN calendar ON trips.service_id = calendar.service_id
WHERE route_id = $1
ORDER BY
    daterange(start_date, end_date + 1) @> $2::DATE DESC,
    start_date - $2::DATE <= 0 DESC,
    ABS(start_date - $2::DATE) ASC,
    `+calendarDow[date.Weekday()]+` DESC
LIMIT 1`,
		routeID, date).Scan(&tripID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying representative trip: %w", err)
	}

	return tripID, nil
}

func (s *PSQLTimetableStore) StopSequence(ctx context.Context, tripID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stops.stop_id
FROM stops
INNER JOIN stoptimes ON stops.stop_id = stoptimes.stop_id
WHERE stoptimes.trip_id = $1
ORDER BY stop_sequence ASC`,
		tripID)
	if err != nil {
		return nil, fmt.Errorf("querying stop sequence: %w", err)
	}
	defer rows.Close()

	var stopIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stop_id: %w", err)
		}
		stopIDs = append(stopIDs, id)
	}

	return stopIDs, rows.Err()
}

func (s *PSQLTimetableStore) TripHeadsign(ctx context.Context, tripID string) (string, error) {
	var headsign sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT trip_headsign FROM trips WHERE trip_id = $1`,
		tripID).Scan(&headsign)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying trip headsign: %w", err)
	}

	return headsign.String, nil
}

func (s *PSQLTimetableStore) RouteMetadata(ctx context.Context, routeID string) (*model.RouteMetadata, error) {
	meta := &model.RouteMetadata{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT
    routes.route_id,
    routes.route_desc,
    routes.agency_id,
    route_short_name AS line_number,
    agency_name
FROM routes
INNER JOIN agency ON routes.agency_id = agency.agency_id
WHERE route_id = $1`,
		routeID).Scan(&meta.RouteID, &desc, &meta.AgencyID, &meta.LineNumber, &meta.AgencyName)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying route metadata: %w", err)
	}
	meta.RouteDesc = desc.String

	return meta, nil
}

func (s *PSQLTimetableStore) StopDescs(ctx context.Context, stopIDs []string) (map[string]string, error) {
	descs := map[string]string{}
	if len(stopIDs) == 0 {
		return descs, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stop_id, stop_desc FROM stops WHERE stop_id = ANY($1)`,
		pq.Array(stopIDs))
	if err != nil {
		return nil, fmt.Errorf("querying stop descs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var desc sql.NullString
		if err := rows.Scan(&id, &desc); err != nil {
			return nil, fmt.Errorf("scanning stop_desc: %w", err)
		}
		descs[id] = desc.String
	}

	return descs, rows.Err()
}

func (s *PSQLTimetableStore) StopsForMap(ctx context.Context, stopIDs []string) (map[string]model.StopForMap, error) {
	stops := map[string]model.StopForMap{}
	if len(stopIDs) == 0 {
		return stops, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stop_id, stop_lon, stop_lat FROM stops WHERE stop_id = ANY($1)`,
		pq.Array(stopIDs))
	if err != nil {
		return nil, fmt.Errorf("querying stops for map: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var st model.StopForMap
		if err := rows.Scan(&id, &st.Lon, &st.Lat); err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops[id] = st
	}

	return stops, rows.Err()
}

func (s *PSQLTimetableStore) ShapePoints(ctx context.Context, tripID string) ([][2]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT shape_pt_lon, shape_pt_lat
FROM shapes
WHERE shapes.shape_id = (SELECT trips.shape_id FROM trips WHERE trip_id = $1)
ORDER BY shape_pt_sequence ASC`,
		tripID)
	if err != nil {
		return nil, fmt.Errorf("querying shape points: %w", err)
	}
	defer rows.Close()

	var points [][2]float64
	for rows.Next() {
		var lon, lat float64
		if err := rows.Scan(&lon, &lat); err != nil {
			return nil, fmt.Errorf("scanning shape point: %w", err)
		}
		points = append(points, [2]float64{lon, lat})
	}

	return points, rows.Err()
}

func (s *PSQLTimetableStore) AllStopCoordsByRouteIDs(ctx context.Context, routeIDs []string) ([][2]float64, error) {
	if len(routeIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT stop_lat, stop_lon
FROM stops
INNER JOIN stoptimes ON stops.stop_id = stoptimes.stop_id
INNER JOIN trips ON stoptimes.trip_id = trips.trip_id
WHERE trips.route_id = ANY($1)`,
		pq.Array(routeIDs))
	if err != nil {
		return nil, fmt.Errorf("querying stop coords: %w", err)
	}
	defer rows.Close()

	var coords [][2]float64
	for rows.Next() {
		var lat, lon float64
		if err := rows.Scan(&lat, &lon); err != nil {
			return nil, fmt.Errorf("scanning stop coord: %w", err)
		}
		coords = append(coords, [2]float64{lat, lon})
	}

	return coords, rows.Err()
}

func (s *PSQLTimetableStore) LineRows(ctx context.Context) ([]model.ActualLineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    routes.route_id,
    routes.route_short_name,
    COALESCE(routes.route_desc, ''),
    routes.agency_id,
    COALESCE((SELECT trip_headsign FROM trips WHERE trips.route_id = routes.route_id LIMIT 1), ''),
    ARRAY(
        SELECT DISTINCT stoptimes.stop_id
        FROM trips
        INNER JOIN stoptimes ON stoptimes.trip_id = trips.trip_id
        WHERE trips.route_id = routes.route_id
    ),
    ARRAY(
        SELECT DISTINCT substring(stops.stop_desc FROM 'עיר: (.*) רציף:')
        FROM trips
        INNER JOIN stoptimes ON stoptimes.trip_id = trips.trip_id
        INNER JOIN stops ON stops.stop_id = stoptimes.stop_id
        WHERE trips.route_id = routes.route_id
        AND stops.stop_desc IS NOT NULL
    ),
    COALESCE((
        SELECT to_char(MIN(stoptimes.arrival_time), 'HH24:MI:SS')
        FROM trips
        INNER JOIN stoptimes ON stoptimes.trip_id = trips.trip_id
        WHERE trips.route_id = routes.route_id
        AND stoptimes.stop_sequence = 1
    ), '')
FROM routes
ORDER BY routes.route_short_name, routes.agency_id`)
	if err != nil {
		return nil, fmt.Errorf("querying line rows: %w", err)
	}
	defer rows.Close()

	var lines []model.ActualLineRow
	for rows.Next() {
		var row model.ActualLineRow
		if err := rows.Scan(
			&row.RouteID,
			&row.RouteShortName,
			&row.RouteDesc,
			&row.AgencyID,
			&row.Headsign,
			pq.Array(&row.StopIDs),
			pq.Array(&row.Cities),
			&row.EarliestHour,
		); err != nil {
			return nil, fmt.Errorf("scanning line row: %w", err)
		}
		lines = append(lines, row)
	}

	return lines, rows.Err()
}
