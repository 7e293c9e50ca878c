package alerts

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/parse"
	"opentransit.dev/alerts/storage"
)

// Enricher computes the derived views served over the API: joined
// metadata, route changes applied to representative trips, departure
// change groupings, and the line catalog views.
type Enricher struct {
	Timetable storage.TimetableStore
	Log       *slog.Logger
}

func NewEnricher(timetable storage.TimetableStore, log *slog.Logger) *Enricher {
	if log == nil {
		log = slog.Default()
	}
	return &Enricher{Timetable: timetable, Log: log}
}

func removeAllOccurrences(seq []model.StopSeqEntry, entry model.StopSeqEntry) ([]model.StopSeqEntry, int) {
	removed := 0
	out := seq[:0]
	for _, e := range seq {
		if e == entry {
			removed++
			continue
		}
		out = append(out, e)
	}
	return out, removed
}

// applyAlertChanges mutates seq and deleted according to one alert's
// changes for routeID. Removals that match nothing on the sequence are
// logged and only counted as deleted when the alert names a single
// route; additions relative to an absent stop are logged and skipped.
func (e *Enricher) applyAlertChanges(
	alert *model.Alert,
	routeID, tripID string,
	seq []model.StopSeqEntry,
	deleted []string,
) ([]model.StopSeqEntry, []string) {
	singleRoute := len(alert.RelevantRouteIDs) == 1

	if alert.UseCase == model.UseCaseStopsCancelled {
		for _, removedStopID := range alert.RemovedStopIDs {
			var n int
			seq, n = removeAllOccurrences(seq, model.StopSeqEntry{StopID: removedStopID})
			if n > 0 || singleRoute {
				deleted = append(deleted, removedStopID)
			}
		}
		return seq, deleted
	}

	var changes []model.StopChange
	if alert.ScheduleChanges != nil {
		changes = alert.ScheduleChanges.Route[routeID]
	}

	for _, change := range changes {
		if change.IsRemoval() {
			var n int
			seq, n = removeAllOccurrences(seq, model.StopSeqEntry{StopID: change.RemovedStopID})
			if n == 0 {
				e.Log.Warn("tried removing stop that's not on a route",
					"route_id", routeID,
					"stop_id", change.RemovedStopID,
					"alert_id", alert.ID,
					"trip_id", tripID)
			}
			if n > 0 || singleRoute {
				deleted = append(deleted, change.RemovedStopID)
			}
			continue
		}

		// Search by stop id regardless of the is_added flag: the
		// relative stop might itself have been added by a previous
		// change of this same alert.
		destIdx := -1
		for i, entry := range seq {
			if entry.StopID == change.RelativeStopID {
				destIdx = i
				break
			}
		}
		if destIdx < 0 {
			e.Log.Warn("tried adding stop relative to stop not on route",
				"route_id", routeID,
				"added_stop_id", change.AddedStopID,
				"relative_stop_id", change.RelativeStopID,
				"alert_id", alert.ID,
				"trip_id", tripID)
			continue
		}
		if !change.IsBefore {
			destIdx++
		}

		seq = append(seq, model.StopSeqEntry{})
		copy(seq[destIdx+1:], seq[destIdx:])
		seq[destIdx] = model.StopSeqEntry{StopID: change.AddedStopID, IsAdded: true}
		e.Log.Debug("added stop to route",
			"stop_id", change.AddedStopID, "route_id", routeID, "index", destIdx)
	}

	return seq, deleted
}

// RouteChangesForAlert computes the alert's mutated stop sequences,
// shapes and map payload. Returns nil for use cases without route
// change semantics.
func (e *Enricher) RouteChangesForAlert(ctx context.Context, alert *model.Alert, now time.Time) (*model.RouteChangesResponse, error) {
	if !alert.UseCase.HasRouteChanges() {
		return nil, nil
	}

	repDate := RepresentativeDate(alert, now)
	changesByAgencyAndLine := map[string]map[string][]model.RouteChange{}

	allStopIDs := map[string]bool{}
	for _, id := range alert.RemovedStopIDs {
		allStopIDs[id] = true
	}
	for _, id := range alert.AddedStopIDs {
		allStopIDs[id] = true
	}
	nearAddedStopIDs := map[string]bool{}

	for _, routeID := range alert.RelevantRouteIDs {
		tripID, err := e.Timetable.RepresentativeTripID(ctx, routeID, repDate)
		if err != nil {
			return nil, err
		}
		rawSeq, err := e.Timetable.StopSequence(ctx, tripID)
		if err != nil {
			return nil, err
		}
		for _, id := range rawSeq {
			allStopIDs[id] = true
		}

		seq := make([]model.StopSeqEntry, len(rawSeq))
		for i, id := range rawSeq {
			seq[i] = model.StopSeqEntry{StopID: id}
		}
		deleted := []string{}

		seq, deleted = e.applyAlertChanges(alert, routeID, tripID, seq, deleted)

		collectNearAddedStops(seq, nearAddedStopIDs)

		meta, err := e.Timetable.RouteMetadata(ctx, routeID)
		if err != nil {
			return nil, err
		}

		toText, err := e.Headsign(ctx, tripID, rawSeq)
		if err != nil {
			return nil, err
		}

		shape, err := e.shapeOrStraightLines(ctx, tripID, rawSeq)
		if err != nil {
			return nil, err
		}

		change := model.RouteChange{
			RouteMetadata:       *meta,
			ToText:              toText,
			UpdatedStopSequence: seq,
			DeletedStopIDs:      deleted,
			Shape:               shape,
		}

		if _, ok := changesByAgencyAndLine[meta.AgencyID]; !ok {
			changesByAgencyAndLine[meta.AgencyID] = map[string][]model.RouteChange{}
		}
		changesByAgencyAndLine[meta.AgencyID][meta.LineNumber] =
			append(changesByAgencyAndLine[meta.AgencyID][meta.LineNumber], change)
	}

	for _, byLine := range changesByAgencyAndLine {
		for _, lineChanges := range byLine {
			labelRouteChangeHeadsigns(lineChanges)
			sort.SliceStable(lineChanges, func(i, j int) bool {
				return lessRouteChange(&lineChanges[i], &lineChanges[j])
			})
		}
	}

	for id := range nearAddedStopIDs {
		allStopIDs[id] = true
	}
	stopsForMap, err := e.Timetable.StopsForMap(ctx, setToSlice(allStopIDs))
	if err != nil {
		return nil, err
	}

	boxStopIDs := append(append([]string{}, alert.AddedStopIDs...), alert.RemovedStopIDs...)
	boxStopIDs = append(boxStopIDs, setToSlice(nearAddedStopIDs)...)

	return &model.RouteChangesResponse{
		RouteChanges:   changesByAgencyAndLine,
		StopsForMap:    stopsForMap,
		MapBoundingBox: boundingBoxForStops(boxStopIDs, stopsForMap),
	}, nil
}

// collectNearAddedStops records the unchanged stops adjacent to added
// ones, so the map can zoom to show context around an addition.
func collectNearAddedStops(seq []model.StopSeqEntry, into map[string]bool) {
	if len(seq) < 2 {
		return
	}
	prev := seq[1]
	for _, entry := range seq[1:] {
		if entry.IsAdded && !prev.IsAdded {
			into[prev.StopID] = true
		} else if !entry.IsAdded && prev.IsAdded {
			into[entry.StopID] = true
		}
		prev = entry
	}
}

func (e *Enricher) shapeOrStraightLines(ctx context.Context, tripID string, rawSeq []string) ([][2]float64, error) {
	shape, err := e.Timetable.ShapePoints(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if len(shape) > 0 {
		return shape, nil
	}

	// No shape on file: draw straight lines between the stops.
	stops, err := e.Timetable.StopsForMap(ctx, rawSeq)
	if err != nil {
		return nil, err
	}
	shape = make([][2]float64, 0, len(rawSeq))
	for _, id := range rawSeq {
		if s, ok := stops[id]; ok {
			shape = append(shape, [2]float64{s.Lon, s.Lat})
		}
	}
	return shape, nil
}

// Headsign names where the route goes. Recorded headsigns encode "A_B"
// for "A - B"; routes without one fall back to the last stop's city,
// or its name when the trip stays within one city.
func (e *Enricher) Headsign(ctx context.Context, tripID string, rawSeq []string) (string, error) {
	headsign, err := e.Timetable.TripHeadsign(ctx, tripID)
	if err != nil {
		return "", err
	}

	if rawSeq == nil {
		rawSeq, err = e.Timetable.StopSequence(ctx, tripID)
		if err != nil {
			return "", err
		}
	}

	if headsign != "" {
		return strings.ReplaceAll(headsign, "_", " - "), nil
	}
	if len(rawSeq) == 0 {
		return "", nil
	}

	first, last := rawSeq[0], rawSeq[len(rawSeq)-1]
	descs, err := e.Timetable.StopDescs(ctx, []string{first, last})
	if err != nil {
		return "", err
	}

	firstCity := parse.CityFromStopDesc(descs[first])
	lastCity := parse.CityFromStopDesc(descs[last])
	if firstCity != lastCity {
		return lastCity, nil
	}

	stops, err := e.Timetable.StopMetadata(ctx, []string{last})
	if err != nil {
		return "", err
	}
	return stops[last].Name, nil
}

// DepartureChangesForAlert groups a SCHEDULE_CHANGES alert's added and
// removed departures by agency and line. Returns nil for other use
// cases.
func (e *Enricher) DepartureChangesForAlert(ctx context.Context, alert *model.Alert, now time.Time) (model.DepartureChangesMap, error) {
	if alert.UseCase != model.UseCaseScheduleChanges {
		return nil, nil
	}

	repDate := RepresentativeDate(alert, now)
	changesByAgencyAndLine := model.DepartureChangesMap{}

	for _, routeID := range alert.RelevantRouteIDs {
		meta, err := e.Timetable.RouteMetadata(ctx, routeID)
		if err != nil {
			return nil, err
		}

		tripID, err := e.Timetable.RepresentativeTripID(ctx, routeID, repDate)
		if err != nil {
			return nil, err
		}
		toText, err := e.Headsign(ctx, tripID, nil)
		if err != nil {
			return nil, err
		}

		change := model.DepartureChange{
			RouteMetadata: *meta,
			ToText:        toText,
			AddedHours:    []string{},
			RemovedHours:  []string{},
		}
		if alert.ScheduleChanges != nil {
			if times := alert.ScheduleChanges.Departure[routeID]; times != nil {
				change.AddedHours = times.Added
				change.RemovedHours = times.Removed
			}
		}

		if _, ok := changesByAgencyAndLine[meta.AgencyID]; !ok {
			changesByAgencyAndLine[meta.AgencyID] = map[string][]model.DepartureChange{}
		}
		changesByAgencyAndLine[meta.AgencyID][meta.LineNumber] =
			append(changesByAgencyAndLine[meta.AgencyID][meta.LineNumber], change)
	}

	for _, byLine := range changesByAgencyAndLine {
		for _, lineChanges := range byLine {
			sort.SliceStable(lineChanges, func(i, j int) bool {
				return lineChanges[i].ToText < lineChanges[j].ToText
			})
		}
	}

	return changesByAgencyAndLine, nil
}

func lessRouteChange(a, b *model.RouteChange) bool {
	if a.ToText != b.ToText {
		return a.ToText < b.ToText
	}
	if deref(a.DirName) != deref(b.DirName) {
		return deref(a.DirName) < deref(b.DirName)
	}
	return deref(a.AltName) < deref(b.AltName)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// route_desc encodes "<mot license id>-<direction>-<alternative>".
var routeDescDirAlt = regexp.MustCompile(`^[^-]+-([^-]+)-([^-]+)$`)

type dirAltPair struct {
	dirID string
	altID string
}

// labelRouteChangeHeadsigns disambiguates duplicate headsigns within
// one line's changes by labeling direction and alternative numbers.
func labelRouteChangeHeadsigns(changes []model.RouteChange) {
	dups := map[string][]dirAltPair{}
	pairs := make([]dirAltPair, len(changes))

	for i := range changes {
		m := routeDescDirAlt.FindStringSubmatch(changes[i].RouteDesc)
		if m != nil {
			pairs[i] = dirAltPair{dirID: m[1], altID: m[2]}
		}
		dups[changes[i].ToText] = append(dups[changes[i].ToText], pairs[i])
	}

	for i := range changes {
		dirName, altName := labelDirAlt(pairs[i], dups[changes[i].ToText], dups[changes[i].ToText], false)
		changes[i].DirName = dirName
		changes[i].AltName = altName
	}
}

// labelDirAlt names one (direction, alternative) pair among its
// headsign's duplicates. The main alternative ("#" or "0") never gets
// an alt label; a single non-main alternative is labeled "#" rather
// than "1".
func labelDirAlt(pair dirAltPair, altDups, dirDups []dirAltPair, labelDirsPerAlt bool) (dirName, altName *string) {
	if len(altDups) == 1 && len(dirDups) == 1 {
		return nil, nil
	}

	differentDir := false
	for _, d := range dirDups {
		if d.dirID != pair.dirID && (!labelDirsPerAlt || d.altID == pair.altID) {
			differentDir = true
			break
		}
	}
	if differentDir {
		dirIDs := map[string]bool{}
		for _, d := range dirDups {
			if !labelDirsPerAlt || d.altID == pair.altID {
				dirIDs[d.dirID] = true
			}
		}
		name := strconv.Itoa(indexOf(sortedKeys(dirIDs), pair.dirID) + 1)
		dirName = &name
	}

	if pair.altID != "#" && pair.altID != "0" {
		differentAlt := false
		for _, d := range altDups {
			if d.altID != pair.altID {
				differentAlt = true
				break
			}
		}
		if differentAlt {
			altIDs := map[string]bool{}
			for _, d := range altDups {
				if d.altID != "#" && d.altID != "0" {
					altIDs[d.altID] = true
				}
			}
			alternatives := sortedKeys(altIDs)
			var name string
			if len(alternatives) == 1 {
				name = "#"
			} else {
				name = strconv.Itoa(indexOf(alternatives, pair.altID) + 1)
			}
			altName = &name
		}
	}

	return dirName, altName
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func setToSlice(set map[string]bool) []string {
	return sortedKeys(set)
}

// boundingBoxForStops envelopes the given stops for the map widget.
// Unknown stop ids are skipped.
func boundingBoxForStops(stopIDs []string, stops map[string]model.StopForMap) model.BoundingBox {
	box := model.BoundingBox{}
	first := true
	for _, id := range stopIDs {
		stop, ok := stops[id]
		if !ok {
			continue
		}
		if first || stop.Lon < box.MinLon {
			box.MinLon = stop.Lon
		}
		if first || stop.Lat < box.MinLat {
			box.MinLat = stop.Lat
		}
		if first || stop.Lon > box.MaxLon {
			box.MaxLon = stop.Lon
		}
		if first || stop.Lat > box.MaxLat {
			box.MaxLat = stop.Lat
		}
		first = false
	}
	return box
}

// stopIDsInclAdjacent collects the stops a single direction's route
// change affects, including the unchanged neighbors of deletions and
// additions. Falls back to the whole sequence when the change turns
// out to be empty.
func stopIDsInclAdjacent(la *model.LineAlert, origStopSeq []string) map[string]bool {
	deleted := map[string]bool{}
	for _, id := range la.DeletedStopIDs {
		deleted[id] = true
	}

	stopIDs := map[string]bool{}

	prevID, prevDeleted := "", false
	for i, stopID := range origStopSeq {
		isDeleted := deleted[stopID]
		if isDeleted {
			stopIDs[stopID] = true
			if i > 0 && !prevDeleted {
				stopIDs[prevID] = true
			}
		} else if i > 0 && prevDeleted {
			stopIDs[stopID] = true
		}
		prevID, prevDeleted = stopID, isDeleted
	}

	prevID, prevNew := "", false
	for i, entry := range la.UpdatedStopSequence {
		if entry.IsAdded {
			stopIDs[entry.StopID] = true
			if i > 0 && !prevNew {
				stopIDs[prevID] = true
			}
		} else if i > 0 && prevNew {
			stopIDs[entry.StopID] = true
		}
		prevID, prevNew = entry.StopID, entry.IsAdded
	}

	if len(stopIDs) == 0 {
		for _, entry := range la.UpdatedStopSequence {
			stopIDs[entry.StopID] = true
		}
	}
	return stopIDs
}
