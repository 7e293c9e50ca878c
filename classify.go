package alerts

import (
	"context"
	"sort"
	"strings"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/parse"
	"opentransit.dev/alerts/storage"
)

// CityListPrefix precedes the comma separated city list in the Hebrew
// description of CITIES alerts.
const CityListPrefix = "ההודעה רלוונטית לישובים: "

// Classifier turns raw feed alerts into normalized records, resolving
// selectors against the static timetable.
type Classifier struct {
	Timetable storage.TimetableStore
}

// Classify determines the alert's use case, canonical selector and
// affected agency/route/stop sets.
func (c *Classifier) Classify(ctx context.Context, raw *parse.RawAlert) (*model.Alert, error) {
	periods, firstStart, lastEnd := mergeActivePeriods(raw.ActivePeriods)

	alert := &model.Alert{
		ID:             raw.ID,
		FirstStartTime: model.ParseLocalUnix(firstStart),
		LastEndTime:    model.ParseLocalUnix(lastEnd),
		RawData:        raw.RawData,
		Cause:          raw.Cause,
		Effect:         raw.Effect,
		URL:            raw.URL,
		Header:         raw.Header,
		Description:    raw.Description,
		ActivePeriods: model.ActivePeriods{
			Raw:          periods,
			Consolidated: ConsolidateActivePeriods(periods),
		},
	}

	// Entities carrying only an agency or only a route don't pick the
	// use case by themselves but do scope the alert. Agency id "1" is
	// the Israel Railways placeholder the producer attaches to
	// everything, so it never counts as an agency selector.
	var hasStopEnt, hasRouteStopEnt, hasTripEnt bool
	foundAgencyIDs := []string{}
	foundRouteIDs := []string{}
	for i := range raw.InformedEntities {
		ie := &raw.InformedEntities[i]
		switch {
		case ie.StopID != "" && ie.RouteID != "":
			hasRouteStopEnt = true
		case ie.StopID != "":
			hasStopEnt = true
		case ie.Trip != nil && ie.Trip.TripID != "":
			hasTripEnt = true
		}
		if ie.AgencyID != "" && ie.AgencyID != "1" && ie.RouteID == "" && ie.StopID == "" {
			foundAgencyIDs = append(foundAgencyIDs, ie.AgencyID)
		}
		if ie.RouteID != "" && ie.StopID == "" {
			foundRouteIDs = append(foundRouteIDs, ie.RouteID)
		}
	}

	classified := false
	var err error

	switch {
	case hasRouteStopEnt:
		err = c.classifyRouteChanges(ctx, raw, alert)
		classified = true
	case hasStopEnt:
		err = c.classifyStopsCancelled(ctx, raw, alert)
		classified = true
	case hasTripEnt:
		err = c.classifyScheduleChanges(ctx, raw, alert)
		classified = true
	}
	if err != nil {
		return nil, err
	}

	foundCities := []string{}
	if !classified && len(foundAgencyIDs) == 0 && len(foundRouteIDs) == 0 {
		if he, ok := raw.Description["he"]; ok {
			if i := strings.Index(he, CityListPrefix); i >= 0 {
				line, _, _ := strings.Cut(he[i+len(CityListPrefix):], "\n")
				foundCities = strings.Split(line, ",")

				alert.UseCase = model.UseCaseCities
				alert.OriginalSelector = model.Selector{Cities: foundCities}
				classified = true
			}
		}
	}

	if !classified && len(foundAgencyIDs) == 0 && len(foundRouteIDs) == 0 &&
		len(foundCities) == 0 && raw.OldAramaic == "" {
		alert.UseCase = model.UseCaseNational
		alert.IsNational = true
		classified = true
	}

	if !classified && len(foundAgencyIDs) == 0 && strings.HasPrefix(raw.OldAramaic, parse.RegionPrefix) {
		if err := c.classifyRegion(ctx, raw, alert); err != nil {
			return nil, err
		}
		classified = true
	}

	if !classified && len(foundRouteIDs) > 0 {
		// Route-only selectors fold into the agency bucket through the
		// routes' operators.
		alert.UseCase = model.UseCaseAgency
		alert.RelevantRouteIDs = foundRouteIDs
		alert.RelevantAgencies, err = c.Timetable.AgenciesForRoutes(ctx, sortUnique(foundRouteIDs))
		if err != nil {
			return nil, err
		}
		classified = true
	}

	if !classified {
		alert.UseCase = model.UseCaseAgency
		alert.RelevantAgencies = foundAgencyIDs
	}

	alert.RelevantAgencies = sortUnique(alert.RelevantAgencies)
	alert.RelevantRouteIDs = sortUnique(alert.RelevantRouteIDs)
	alert.AddedStopIDs = sortUnique(alert.AddedStopIDs)
	alert.RemovedStopIDs = sortUnique(alert.RemovedStopIDs)

	return alert, nil
}

func (c *Classifier) classifyStopsCancelled(ctx context.Context, raw *parse.RawAlert, alert *model.Alert) error {
	alert.UseCase = model.UseCaseStopsCancelled

	stopIDs := []string{}
	for _, ie := range raw.InformedEntities {
		if ie.StopID != "" {
			stopIDs = append(stopIDs, ie.StopID)
		}
	}

	alert.OriginalSelector = model.Selector{StopIDs: stopIDs}
	alert.RemovedStopIDs = stopIDs

	routeIDs, err := c.Timetable.RouteIDsAtStopsInDateranges(ctx, sortUnique(stopIDs), alert.ActivePeriods.Raw)
	if err != nil {
		return err
	}
	alert.RelevantRouteIDs = routeIDs

	alert.RelevantAgencies, err = c.Timetable.AgenciesForRoutes(ctx, routeIDs)
	return err
}

func (c *Classifier) classifyRouteChanges(ctx context.Context, raw *parse.RawAlert, alert *model.Alert) error {
	changes := map[string][]model.StopChange{}
	routeStopPairs := [][2]string{}

	for _, ie := range raw.InformedEntities {
		if ie.StopID == "" || ie.RouteID == "" {
			continue
		}

		alert.RemovedStopIDs = append(alert.RemovedStopIDs, ie.StopID)
		routeStopPairs = append(routeStopPairs, [2]string{ie.RouteID, ie.StopID})

		if _, ok := changes[ie.RouteID]; !ok {
			alert.RelevantRouteIDs = append(alert.RelevantRouteIDs, ie.RouteID)
		}
		changes[ie.RouteID] = append(changes[ie.RouteID], model.StopChange{
			RemovedStopID: ie.StopID,
		})
	}

	if raw.OldAramaic == "" {
		alert.UseCase = model.UseCaseRouteChangesSimple
		alert.OriginalSelector = model.Selector{RouteStopPairs: routeStopPairs}
	} else {
		alert.UseCase = model.UseCaseRouteChangesFlex
		alert.OriginalSelector = model.Selector{
			RouteStopPairs: routeStopPairs,
			OldAramaic:     raw.OldAramaic,
		}

		additions, routeOrder, err := parse.RouteChanges(raw.OldAramaic)
		if err != nil {
			return err
		}

		// Additions go before removals: an addition may be relative to
		// a stop the same alert removes.
		for _, routeID := range routeOrder {
			adds := additions[routeID]
			if _, ok := changes[routeID]; !ok {
				changes[routeID] = adds
				alert.RelevantRouteIDs = append(alert.RelevantRouteIDs, routeID)
			} else {
				changes[routeID] = append(append([]model.StopChange{}, adds...), changes[routeID]...)
			}
			for _, a := range adds {
				alert.AddedStopIDs = append(alert.AddedStopIDs, a.AddedStopID)
			}
		}
	}

	alert.ScheduleChanges = &model.ScheduleChanges{Route: changes}

	var err error
	alert.RelevantAgencies, err = c.Timetable.AgenciesForRoutes(ctx, sortUnique(alert.RelevantRouteIDs))
	return err
}

func (c *Classifier) classifyScheduleChanges(ctx context.Context, raw *parse.RawAlert, alert *model.Alert) error {
	alert.UseCase = model.UseCaseScheduleChanges

	trips := []model.TripSelector{}
	changes := map[string]*model.DepartureTimes{}
	fakeTripIDs := []string{}

	for _, ie := range raw.InformedEntities {
		if ie.Trip == nil {
			continue
		}

		trip := model.TripSelector{
			RouteID:    ie.Trip.RouteID,
			FakeTripID: ie.Trip.TripID,
			Action:     int32(ie.Trip.ScheduleRelationship),
			StartTime:  ie.Trip.StartTime,
		}
		trips = append(trips, trip)

		if _, ok := changes[trip.RouteID]; !ok {
			changes[trip.RouteID] = &model.DepartureTimes{Added: []string{}, Removed: []string{}}
			alert.RelevantRouteIDs = append(alert.RelevantRouteIDs, trip.RouteID)
		}

		switch {
		case ie.Trip.ScheduleRelationship == gtfsproto.TripDescriptor_CANCELED &&
			trip.FakeTripID != "" && trip.FakeTripID != "0":
			changes[trip.RouteID].Removed = append(changes[trip.RouteID].Removed, trip.FakeTripID)
			fakeTripIDs = append(fakeTripIDs, trip.FakeTripID)
		case ie.Trip.ScheduleRelationship == gtfsproto.TripDescriptor_ADDED ||
			trip.FakeTripID == "" || trip.FakeTripID == "0":
			changes[trip.RouteID].Added = append(changes[trip.RouteID].Added, trip.StartTime)
		}
	}

	// The feed's trip ids are synthetic; swap them for the scheduled
	// departure times they map to.
	departureTimes, err := c.Timetable.TripDepartureTimes(ctx, sortUnique(fakeTripIDs))
	if err != nil {
		return err
	}
	for _, change := range changes {
		for i, fakeID := range change.Removed {
			change.Removed[i] = departureTimes[fakeID]
		}
		change.Removed = sortUnique(change.Removed)
		change.Added = sortUnique(change.Added)
	}

	alert.ScheduleChanges = &model.ScheduleChanges{Departure: changes}
	alert.OriginalSelector = model.Selector{Trips: trips}

	alert.RelevantAgencies, err = c.Timetable.AgenciesForRoutes(ctx, sortUnique(alert.RelevantRouteIDs))
	return err
}

func (c *Classifier) classifyRegion(ctx context.Context, raw *parse.RawAlert, alert *model.Alert) error {
	alert.UseCase = model.UseCaseRegion
	alert.OriginalSelector = model.Selector{OldAramaic: raw.OldAramaic}

	polygon, err := parse.Region(raw.OldAramaic)
	if err != nil {
		return err
	}

	stopIDs, err := c.Timetable.StopsByPolygon(ctx, polygon)
	if err != nil {
		return err
	}
	alert.RemovedStopIDs = stopIDs

	routeIDs, err := c.Timetable.RouteIDsAtStopsInDateranges(ctx, stopIDs, alert.ActivePeriods.Raw)
	if err != nil {
		return err
	}
	alert.RelevantRouteIDs = routeIDs

	alert.RelevantAgencies, err = c.Timetable.AgenciesForRoutes(ctx, routeIDs)
	return err
}

// mergeActivePeriods folds overlapping raw periods together and
// computes the alert's envelope. A missing start means "since forever"
// and a missing end means "until deleted", which the envelope pins to
// InfiniteEndTime.
func mergeActivePeriods(raw []model.ActivePeriod) (merged []model.ActivePeriod, firstStart, lastEnd int64) {
	var haveFirst, haveLast bool

	for _, p := range raw {
		start, end := p.Start(), p.End()

		normStart, normEnd := start, end
		if normEnd == 0 {
			normEnd = model.InfiniteEndTime
		}

		overlapped := false
		for i := range merged {
			otherStart, otherEnd := merged[i].Start(), merged[i].End()
			normOtherEnd := otherEnd
			if normOtherEnd == 0 {
				normOtherEnd = model.InfiniteEndTime
			}

			if otherStart <= normEnd && normOtherEnd >= normStart {
				overlapped = true
				if start == 0 || otherStart == 0 {
					merged[i][0] = 0
				} else {
					merged[i][0] = min64(start, otherStart)
				}
				if end == 0 || otherEnd == 0 {
					merged[i][1] = 0
				} else {
					merged[i][1] = max64(end, otherEnd)
				}
				break
			}
		}
		if !overlapped {
			merged = append(merged, model.ActivePeriod{start, end})
		}

		if start != 0 {
			if !haveFirst || (firstStart != 0 && start < firstStart) {
				firstStart = start
			}
		} else {
			firstStart = 0
		}
		haveFirst = true

		if end != 0 {
			if !haveLast || end > lastEnd {
				lastEnd = end
			}
		} else {
			lastEnd = model.InfiniteEndTime
		}
		haveLast = true
	}

	if !haveLast {
		lastEnd = model.InfiniteEndTime
	}
	return merged, firstStart, lastEnd
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func sortUnique(list []string) []string {
	if len(list) == 0 {
		return []string{}
	}
	out := append([]string(nil), list...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[i-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
