package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

// LinesCatalog is the startup grouping of the timetable's routes into
// user facing "lines": every route sharing a route_short_name and MOT
// license id, across directions and alternatives.
type LinesCatalog struct {
	List        []*model.ActualLine
	ByPK        map[string]*model.ActualLine
	ByRouteID   map[string]string
	AllAgencies map[string]model.Agency
}

// BuildLinesCatalog loads the per-route rows and groups them. Meant to
// run once at server startup; the result is immutable.
func BuildLinesCatalog(ctx context.Context, timetable storage.TimetableStore) (*LinesCatalog, error) {
	agencies, err := timetable.AllAgencies(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("loading agencies: %w", err)
	}

	rows, err := timetable.LineRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading line rows: %w", err)
	}

	catalog := &LinesCatalog{
		ByPK:        map[string]*model.ActualLine{},
		ByRouteID:   map[string]string{},
		AllAgencies: agencies,
	}

	type groupKey struct {
		shortName string
		licenseID string
	}
	type rowWithIDs struct {
		row   model.ActualLineRow
		dirID string
		altID string
	}
	groups := map[groupKey][]rowWithIDs{}
	order := []groupKey{}

	for _, row := range rows {
		licenseID, dirID, altID := splitRouteDesc(row.RouteDesc)
		key := groupKey{shortName: row.RouteShortName, licenseID: licenseID}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rowWithIDs{row: row, dirID: dirID, altID: altID})
	}

	for _, key := range order {
		group := groups[key]
		line := &model.ActualLine{
			PK:             key.shortName + "_" + key.licenseID,
			RouteShortName: key.shortName,
			AgencyID:       group[0].row.AgencyID,
			MotLicenseID:   key.licenseID,
			MainCities:     []string{},
		}

		stopIDs := map[string]bool{}
		altIDs := map[string]bool{}
		altOrder := []string{}
		byAlt := map[string][]model.LineDir{}

		for _, r := range group {
			if !altIDs[r.altID] {
				altIDs[r.altID] = true
				altOrder = append(altOrder, r.altID)
			}
			byAlt[r.altID] = append(byAlt[r.altID], model.LineDir{
				RouteID:  r.row.RouteID,
				DirID:    r.dirID,
				Headsign: strings.ReplaceAll(r.row.Headsign, "_", " - "),
				CityList: r.row.Cities,
			})
			for _, id := range r.row.StopIDs {
				stopIDs[id] = true
			}
			if isNightHour(r.row.EarliestHour) {
				line.IsNightLine = true
			}
			catalog.ByRouteID[r.row.RouteID] = line.PK
		}

		// The main alternative ("#" or "0") leads; the rest follow in
		// id order.
		sort.SliceStable(altOrder, func(i, j int) bool {
			mi, mj := isMainAlt(altOrder[i]), isMainAlt(altOrder[j])
			if mi != mj {
				return mi
			}
			return altOrder[i] < altOrder[j]
		})

		allAltCities := map[string]bool{}
		for i, altID := range altOrder {
			dirs := byAlt[altID]
			sort.SliceStable(dirs, func(a, b int) bool { return dirs[a].DirID < dirs[b].DirID })
			line.AllDirectionsGrouped = append(line.AllDirectionsGrouped, model.AltGroup{
				AltID:      altID,
				Directions: dirs,
			})

			for _, dir := range dirs {
				if i == 0 {
					for _, city := range dir.CityList {
						if !contains(line.MainCities, city) {
							line.MainCities = append(line.MainCities, city)
						}
					}
				} else {
					for _, city := range dir.CityList {
						allAltCities[city] = true
					}
				}
			}
		}

		if len(line.AllDirectionsGrouped) > 0 {
			firstDirs := line.AllDirectionsGrouped[0].Directions
			line.Headsign1 = firstDirs[0].Headsign
			if len(firstDirs) > 1 {
				line.Headsign2 = firstDirs[1].Headsign
			}
		}

		for _, city := range line.MainCities {
			delete(allAltCities, city)
		}
		line.SecondaryCities = sortedKeys(allAltCities)
		line.AllStopIDsDistinct = sortedKeys(stopIDs)

		catalog.List = append(catalog.List, line)
		catalog.ByPK[line.PK] = line
	}

	sort.SliceStable(catalog.List, func(i, j int) bool {
		a, b := catalog.List[i], catalog.List[j]
		if a.RouteShortName != b.RouteShortName {
			return a.RouteShortName < b.RouteShortName
		}
		if a.AgencyID != b.AgencyID {
			return a.AgencyID < b.AgencyID
		}
		return a.MotLicenseID < b.MotLicenseID
	})

	return catalog, nil
}

// splitRouteDesc decodes "<license>-<direction>-<alternative>".
func splitRouteDesc(desc string) (licenseID, dirID, altID string) {
	parts := strings.SplitN(desc, "-", 3)
	licenseID = parts[0]
	if len(parts) > 1 {
		dirID = parts[1]
	}
	if len(parts) > 2 {
		altID = parts[2]
	}
	return licenseID, dirID, altID
}

func isMainAlt(altID string) bool { return altID == "#" || altID == "0" }

// isNightHour treats first departures at 22:00 or later as night
// service; GTFS hours past 24 mean after-midnight trips of the
// previous service day.
func isNightHour(hour string) bool {
	return hour != "" && hour >= "22:00:00"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// AllLines summarizes alert impact per line. Deleted and expired
// alerts don't count; alerts on routes missing from the catalog are
// logged and skipped.
func (e *Enricher) AllLines(catalog *LinesCatalog, alerts []*model.Alert, now time.Time) *model.AllLinesResponse {
	today := midnight(now)

	pkToAlerts := map[string][]*time.Time{}
	pkToRemoved := map[string]map[string]bool{}

	for _, alert := range alerts {
		if alert.IsDeleted || alert.IsExpired {
			continue
		}

		firstRelevant, _ := NextRelevantDate(alert, now)

		for _, routeID := range alert.RelevantRouteIDs {
			pk, ok := catalog.ByRouteID[routeID]
			if !ok {
				e.Log.Info("route not in lines catalog, ignoring", "route_id", routeID)
				continue
			}
			pkToAlerts[pk] = append(pkToAlerts[pk], firstRelevant)
			if pkToRemoved[pk] == nil {
				pkToRemoved[pk] = map[string]bool{}
			}
			for _, stopID := range alert.RemovedStopIDs {
				pkToRemoved[pk][stopID] = true
			}
		}
	}

	allLines := make([]*model.LineWithAlertCount, 0, len(catalog.List))
	linesWithAlert := []*model.LineWithAlertCount{}

	for _, line := range catalog.List {
		flat := *line
		flat.AllDirectionsGrouped = nil

		entry := &model.LineWithAlertCount{
			ActualLine: flat,
			NumAlerts:  len(pkToAlerts[line.PK]),
		}

		if entry.NumAlerts > 0 {
			var earliest *time.Time
			for _, d := range pkToAlerts[line.PK] {
				if d == nil {
					continue
				}
				if earliest == nil || d.Before(*earliest) {
					earliest = d
				}
				if d.Equal(today) {
					entry.NumRelevantToday++
				}
			}
			if earliest != nil {
				entry.FirstRelevantDate = &model.ZonedTime{Time: *earliest}
			}

			for _, stopID := range line.AllStopIDsDistinct {
				if pkToRemoved[line.PK][stopID] {
					entry.NumRemovedStops++
				}
			}

			linesWithAlert = append(linesWithAlert, entry)
		}

		allLines = append(allLines, entry)
	}

	sort.SliceStable(linesWithAlert, func(i, j int) bool {
		return lessLineWithAlerts(linesWithAlert[i], linesWithAlert[j], catalog.AllAgencies)
	})

	return &model.AllLinesResponse{
		LinesWithAlert: linesWithAlert,
		AllLines:       allLines,
		AllAgencies:    catalog.AllAgencies,
		UsesLocation:   false,
	}
}

// lessLineWithAlerts orders lines by how disrupted they are: most
// removed stops, then most alerts, then line number, then agency name.
// The located sort prepends distance to the same keys.
func lessLineWithAlerts(a, b *model.LineWithAlertCount, agencies map[string]model.Agency) bool {
	if a.NumRemovedStops != b.NumRemovedStops {
		return a.NumRemovedStops > b.NumRemovedStops
	}
	if a.NumAlerts != b.NumAlerts {
		return a.NumAlerts > b.NumAlerts
	}
	ka, kb := lineNumberForSorting(a.RouteShortName), lineNumberForSorting(b.RouteShortName)
	if ka != kb {
		return ka.less(kb)
	}
	return agencies[a.AgencyID].Name < agencies[b.AgencyID].Name
}

// SingleLine assembles the line detail view: every direction with its
// representative stop sequence and shape, and the alerts touching it,
// route changes applied per direction.
func (e *Enricher) SingleLine(ctx context.Context, catalog *LinesCatalog, pk string, alerts []*model.Alert, now time.Time) (*model.SingleLineResponse, error) {
	line, ok := catalog.ByPK[pk]
	if !ok {
		return nil, fmt.Errorf("line %s: %w", pk, storage.ErrNotFound)
	}

	agencies, err := e.Timetable.AllAgencies(ctx, []string{line.AgencyID})
	if err != nil {
		return nil, err
	}

	result := &model.SingleLineResponse{
		LineDetails: model.LineDetails{
			PK:             pk,
			RouteShortName: line.RouteShortName,
			Agency:         agencies[line.AgencyID],
			Headsign1:      line.Headsign1,
			Headsign2:      line.Headsign2,
			IsNightLine:    line.IsNightLine,
		},
	}

	allStopIDs := map[string]bool{}
	for _, id := range line.AllStopIDsDistinct {
		allStopIDs[id] = true
	}

	dirs := []*model.FlattenedLineDir{}
	allPairs := []dirAltPair{}
	pairsByHeadsign := map[string][]dirAltPair{}

	for _, alt := range line.AllDirectionsGrouped {
		for _, d := range alt.Directions {
			dir := &model.FlattenedLineDir{
				RouteID:      d.RouteID,
				DirID:        d.DirID,
				AltID:        alt.AltID,
				Headsign:     d.Headsign,
				CityList:     d.CityList,
				RouteChanges: []*model.LineAlert{},
				OtherAlerts:  []*model.LineAlert{},
			}
			dirs = append(dirs, dir)

			tripID, err := e.Timetable.RepresentativeTripID(ctx, d.RouteID, now)
			if err != nil {
				return nil, err
			}
			dir.StopSeq, err = e.Timetable.StopSequence(ctx, tripID)
			if err != nil {
				return nil, err
			}
			dir.Shape, err = e.Timetable.ShapePoints(ctx, tripID)
			if err != nil {
				return nil, err
			}

			pair := dirAltPair{dirID: d.DirID, altID: alt.AltID}
			allPairs = append(allPairs, pair)
			pairsByHeadsign[d.Headsign] = append(pairsByHeadsign[d.Headsign], pair)
		}
	}

	// Route and departure changes get computed once per alert and then
	// matched against each direction's route.
	routeChangesByAlert := map[string]*model.RouteChangesResponse{}
	departureChangesByAlert := map[string]model.DepartureChangesMap{}
	relevantAlerts := []*model.Alert{}
	for _, alert := range alerts {
		if alert.IsExpired {
			continue
		}
		touchesLine := false
		for _, dir := range dirs {
			if contains(alert.RelevantRouteIDs, dir.RouteID) {
				touchesLine = true
				break
			}
		}
		if !touchesLine {
			continue
		}
		relevantAlerts = append(relevantAlerts, alert)

		routeChangesByAlert[alert.ID], err = e.RouteChangesForAlert(ctx, alert, now)
		if err != nil {
			return nil, err
		}
		departureChangesByAlert[alert.ID], err = e.DepartureChangesForAlert(ctx, alert, now)
		if err != nil {
			return nil, err
		}
	}

	bboxStopIDs := map[*model.LineAlert]map[string]bool{}

	for _, dir := range dirs {
		for _, alert := range relevantAlerts {
			if !contains(alert.RelevantRouteIDs, dir.RouteID) {
				continue
			}

			la := &model.LineAlert{
				Header:        alert.Header,
				Description:   alert.Description,
				ActivePeriods: alert.ActivePeriods,
				IsDeleted:     alert.IsDeleted,
			}

			if dc := departureChangesByAlert[alert.ID]; dc != nil {
				for _, change := range dc[line.AgencyID][line.RouteShortName] {
					if change.RouteID == dir.RouteID {
						c := change
						la.DepartureChange = &c
						break
					}
				}
			}

			var relevantChange *model.RouteChange
			if rc := routeChangesByAlert[alert.ID]; rc != nil {
				for i, change := range rc.RouteChanges[line.AgencyID][line.RouteShortName] {
					if change.RouteID == dir.RouteID {
						relevantChange = &rc.RouteChanges[line.AgencyID][line.RouteShortName][i]
						break
					}
				}
			}

			if relevantChange != nil {
				la.Shape = relevantChange.Shape
				la.DeletedStopIDs = relevantChange.DeletedStopIDs
				la.UpdatedStopSequence = relevantChange.UpdatedStopSequence

				bbox := stopIDsInclAdjacent(la, dir.StopSeq)
				bboxStopIDs[la] = bbox
				for id := range bbox {
					allStopIDs[id] = true
				}
				dir.RouteChanges = append(dir.RouteChanges, la)
			} else {
				dir.OtherAlerts = append(dir.OtherAlerts, la)
			}
		}
	}

	result.AllStops, err = e.Timetable.StopMetadata(ctx, setToSlice(allStopIDs))
	if err != nil {
		return nil, err
	}

	stopsForMap := map[string]model.StopForMap{}
	allStopKeys := make([]string, 0, len(result.AllStops))
	for id, stop := range result.AllStops {
		stopsForMap[id] = model.StopForMap{Lon: stop.Lon, Lat: stop.Lat}
		allStopKeys = append(allStopKeys, id)
	}
	result.MapBoundingBox = boundingBoxForStops(allStopKeys, stopsForMap)

	for la, bbox := range bboxStopIDs {
		box := boundingBoxForStops(setToSlice(bbox), stopsForMap)
		la.MapBoundingBox = &box
	}

	// In this view duplicate headsigns across alternatives always get
	// an alt label, while direction labels stay scoped per alternative.
	for _, dir := range dirs {
		pair := dirAltPair{dirID: dir.DirID, altID: dir.AltID}
		dir.DirName, dir.AltName = labelDirAlt(pair, allPairs, pairsByHeadsign[dir.Headsign], true)
	}

	sort.SliceStable(dirs, func(i, j int) bool {
		if deref(dirs[i].DirName) != deref(dirs[j].DirName) {
			return deref(dirs[i].DirName) < deref(dirs[j].DirName)
		}
		return deref(dirs[i].AltName) < deref(dirs[j].AltName)
	})
	result.LineDetails.DirsFlattened = dirs

	return result, nil
}
