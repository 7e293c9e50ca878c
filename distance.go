package alerts

import (
	"context"
	"math"
	"sort"
	"strconv"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/parse"
	"opentransit.dev/alerts/storage"
)

// The Israeli Transverse Mercator grid (EPSG:2039). Distances get
// computed on this plane in meters instead of on raw degrees.
const (
	itmLat0 = 31.7343936111111
	itmLon0 = 35.2045169444444
	itmK0   = 1.0000067
	itmFE   = 219529.584
	itmFN   = 626907.39

	grs80A  = 6378137.0
	grs80F  = 1 / 298.257222101
	grs80E2 = grs80F * (2 - grs80F)
)

// GridPoint is a projected coordinate on the ITM plane, in meters.
type GridPoint struct {
	X float64
	Y float64
}

// ProjectWGS84 maps a WGS84 coordinate onto the ITM grid using the
// standard transverse Mercator forward series. The few meters of datum
// shift between GRS80 and WGS84 don't matter for ranking alerts by
// distance.
func ProjectWGS84(lat, lon float64) GridPoint {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180
	phi0 := itmLat0 * math.Pi / 180
	lam0 := itmLon0 * math.Pi / 180

	e2 := grs80E2
	ep2 := e2 / (1 - e2)

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	n := grs80A / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := math.Pow(math.Tan(phi), 2)
	c := ep2 * cosPhi * cosPhi
	a := (lam - lam0) * cosPhi

	m := meridianArc(phi, e2)
	m0 := meridianArc(phi0, e2)

	x := itmFE + itmK0*n*(a+
		(1-t+c)*math.Pow(a, 3)/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)

	y := itmFN + itmK0*(m-m0+n*math.Tan(phi)*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))

	return GridPoint{X: x, Y: y}
}

func meridianArc(phi, e2 float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2
	return grs80A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35 * e6 / 3072 * math.Sin(6*phi)))
}

func gridDistance(a, b GridPoint) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// DistanceToAlert computes how far the user is from the alert's
// affected stops, in meters. REGION alerts that resolved to no stops
// fall back to the distance to their polygon; alerts that scope whole
// routes fall back to every stop those routes serve. Returns nil when
// the alert has no usable geography.
func (e *Enricher) DistanceToAlert(ctx context.Context, location GridPoint, api *model.AlertForAPI, alert *model.Alert, metadata *storage.RelatedMetadata) (*float64, error) {
	if alert.UseCase == model.UseCaseRegion &&
		len(api.AddedStops) == 0 && len(api.RemovedStops) == 0 {
		region, err := parse.Region(alert.OriginalSelector.OldAramaic)
		if err != nil {
			return nil, err
		}
		polygon := make([]GridPoint, 0, len(region))
		for _, p := range region {
			lat, err := strconv.ParseFloat(p[0], 64)
			if err != nil {
				return nil, err
			}
			lon, err := strconv.ParseFloat(p[1], 64)
			if err != nil {
				return nil, err
			}
			polygon = append(polygon, ProjectWGS84(lat, lon))
		}
		d := distanceToPolygon(location, polygon)
		return &d, nil
	}

	stopIDs := sortUnique(append(append([]string{}, alert.AddedStopIDs...), alert.RemovedStopIDs...))

	var coords [][2]float64
	if len(stopIDs) > 0 {
		for _, id := range stopIDs {
			if stop, ok := metadata.Stops[id]; ok {
				coords = append(coords, [2]float64{stop.Lat, stop.Lon})
			}
		}
	} else if len(alert.RelevantRouteIDs) > 0 {
		var err error
		coords, err = e.Timetable.AllStopCoordsByRouteIDs(ctx, alert.RelevantRouteIDs)
		if err != nil {
			return nil, err
		}
	}

	return minDistanceToCoords(location, coords), nil
}

// LocateAlerts fills in each enriched alert's distance from the user
// and re-sorts the list so nearby alerts come first. distances, when
// non-nil, caches computed values under locationKey.
func (e *Enricher) LocateAlerts(ctx context.Context, location GridPoint, locationKey string, enriched []*model.AlertForAPI, alerts []*model.Alert, metadata *storage.RelatedMetadata, distances *Cache[*float64]) error {
	byID := map[string]*model.Alert{}
	for _, alert := range alerts {
		byID[alert.ID] = alert
	}

	for _, api := range enriched {
		alert, ok := byID[api.ID]
		if !ok {
			continue
		}

		key := locationKey + "|" + api.ID
		if distances != nil {
			if d, ok := distances.Get(key); ok {
				api.Distance = d
				continue
			}
		}

		d, err := e.DistanceToAlert(ctx, location, api, alert, metadata)
		if err != nil {
			return err
		}
		api.Distance = d
		if distances != nil {
			distances.Set(key, d)
		}
	}

	SortAlerts(enriched)
	return nil
}

// LocateLines fills in distances for the lines-with-alerts list and
// re-sorts it by proximity. The catalog's stop coordinates must cover
// every line's stops.
func LocateLines(location GridPoint, resp *model.AllLinesResponse, stops map[string]model.StopForMap, agencies map[string]model.Agency) {
	for _, line := range resp.LinesWithAlert {
		line.Distance = DistanceToLine(location, &line.ActualLine, stops)
	}

	sort.SliceStable(resp.LinesWithAlert, func(i, j int) bool {
		a, b := resp.LinesWithAlert[i], resp.LinesWithAlert[j]

		da, db := math.Inf(1), math.Inf(1)
		if a.Distance != nil {
			da = *a.Distance
		}
		if b.Distance != nil {
			db = *b.Distance
		}
		if da != db {
			return da < db
		}
		return lessLineWithAlerts(a, b, agencies)
	})

	resp.UsesLocation = true
}

// DistanceToLine is the distance to the nearest of the line's stops.
func DistanceToLine(location GridPoint, line *model.ActualLine, stops map[string]model.StopForMap) *float64 {
	var coords [][2]float64
	for _, id := range line.AllStopIDsDistinct {
		if stop, ok := stops[id]; ok {
			coords = append(coords, [2]float64{stop.Lat, stop.Lon})
		}
	}
	return minDistanceToCoords(location, coords)
}

func minDistanceToCoords(location GridPoint, coords [][2]float64) *float64 {
	if len(coords) == 0 {
		return nil
	}
	minimum := math.Inf(1)
	for _, c := range coords {
		if d := gridDistance(location, ProjectWGS84(c[0], c[1])); d < minimum {
			minimum = d
		}
	}
	return &minimum
}

// distanceToPolygon is zero inside the polygon, otherwise the distance
// to the nearest edge.
func distanceToPolygon(p GridPoint, polygon []GridPoint) float64 {
	if len(polygon) == 0 {
		return 0
	}
	if len(polygon) == 1 {
		return gridDistance(p, polygon[0])
	}
	if gridPointInPolygon(p, polygon) {
		return 0
	}

	minimum := math.Inf(1)
	for i := range polygon {
		j := (i + 1) % len(polygon)
		if d := distanceToSegment(p, polygon[i], polygon[j]); d < minimum {
			minimum = d
		}
	}
	return minimum
}

func distanceToSegment(p, a, b GridPoint) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return gridDistance(p, a)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return gridDistance(p, GridPoint{X: a.X + t*dx, Y: a.Y + t*dy})
}

func gridPointInPolygon(p GridPoint, polygon []GridPoint) bool {
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := polygon[i], polygon[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}
