package parse

import (
	"strings"

	"github.com/pkg/errors"

	"opentransit.dev/alerts/model"
)

// RegionPrefix marks an Old-Aramaic payload that carries a polygon.
const RegionPrefix = "region="

// RouteChangesPrefix marks a payload carrying add-stop instructions.
const RouteChangesPrefix = "route_id="

// Region parses a polygon payload of the form
// "region=lat,lon:lat,lon:...;" into [lat, lon] string pairs.
// Coordinates stay strings so no rounding drift sneaks in between
// ingest and the query server re-parsing them.
func Region(oar string) ([][2]string, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(oar, RegionPrefix), ";")

	points := [][2]string{}
	for _, pair := range strings.Split(s, ":") {
		coords := strings.Split(pair, ",")
		if len(coords) != 2 {
			return nil, errors.Errorf("bad region point %q", pair)
		}
		points = append(points, [2]string{coords[0], coords[1]})
	}

	return points, nil
}

// RouteChanges parses an add-stop payload of the form
// "route_id=R,add_stop_id=S,before_stop_id=B;...". It returns the
// additions per route plus the route ids in first-seen order. Empty
// segments are skipped and unknown keys ignored; a segment missing
// route_id or add_stop_id is an error, which fails the whole alert.
func RouteChanges(oar string) (map[string][]model.StopChange, []string, error) {
	changes := map[string][]model.StopChange{}
	order := []string{}

	for _, segment := range strings.Split(oar, ";") {
		if segment == "" {
			continue
		}

		var routeID string
		change := model.StopChange{}

		for _, field := range strings.Split(segment, ",") {
			k, v, found := strings.Cut(field, "=")
			if !found {
				return nil, nil, errors.Errorf("bad field %q in segment %q", field, segment)
			}
			switch k {
			case "route_id":
				routeID = v
			case "add_stop_id":
				change.AddedStopID = v
			case "before_stop_id":
				change.RelativeStopID = v
				change.IsBefore = true
			case "after_stop_id":
				change.RelativeStopID = v
				change.IsBefore = false
			}
		}

		if routeID == "" || change.AddedStopID == "" {
			return nil, nil, errors.Errorf("segment %q missing route_id or add_stop_id", segment)
		}

		if _, seen := changes[routeID]; !seen {
			order = append(order, routeID)
		}
		changes[routeID] = append(changes[routeID], change)
	}

	return changes, order, nil
}
