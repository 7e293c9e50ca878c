package alerts

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

// lineNumberSortKey orders line numbers numerically where possible:
// "14" before "100", with the raw string breaking ties. Strings with no
// numeric token sort first.
type lineNumberSortKey struct {
	number int
	raw    string
}

func lineNumberForSorting(lineNumber string) lineNumberSortKey {
	for _, tok := range strings.Fields(lineNumber) {
		if n, err := strconv.Atoi(tok); err == nil {
			return lineNumberSortKey{number: n, raw: lineNumber}
		}
	}
	return lineNumberSortKey{number: -1, raw: lineNumber}
}

func (k lineNumberSortKey) less(other lineNumberSortKey) bool {
	if k.number != other.number {
		return k.number < other.number
	}
	return k.raw < other.raw
}

// EnrichAlerts joins timetable metadata into the stored alerts and
// computes the derived per-alert fields the clients consume. The
// returned metadata covers every agency, route and stop any of the
// alerts references.
func (e *Enricher) EnrichAlerts(ctx context.Context, alerts []*model.Alert, now time.Time) ([]*model.AlertForAPI, *storage.RelatedMetadata, error) {
	agencyIDs := map[string]bool{}
	routeIDs := map[string]bool{}
	stopIDs := map[string]bool{}
	for _, alert := range alerts {
		for _, id := range alert.RelevantAgencies {
			agencyIDs[id] = true
		}
		for _, id := range alert.RelevantRouteIDs {
			routeIDs[id] = true
		}
		for _, id := range alert.AddedStopIDs {
			stopIDs[id] = true
		}
		for _, id := range alert.RemovedStopIDs {
			stopIDs[id] = true
		}
	}

	metadata, err := e.Timetable.RelatedMetadata(ctx,
		setToSlice(agencyIDs), setToSlice(routeIDs), setToSlice(stopIDs))
	if err != nil {
		return nil, nil, err
	}

	enriched := make([]*model.AlertForAPI, 0, len(alerts))
	for _, alert := range alerts {
		a, err := e.enrichAlert(ctx, alert, metadata, now)
		if err != nil {
			return nil, nil, err
		}
		enriched = append(enriched, a)
	}

	SortAlerts(enriched)
	return enriched, metadata, nil
}

func (e *Enricher) enrichAlert(ctx context.Context, alert *model.Alert, metadata *storage.RelatedMetadata, now time.Time) (*model.AlertForAPI, error) {
	a := &model.AlertForAPI{
		ID:             alert.ID,
		FirstStartTime: model.LocalTime{Time: alert.FirstStartTime},
		LastEndTime:    model.LocalTime{Time: alert.LastEndTime},
		UseCase:        alert.UseCase,
		Header:         alert.Header,
		Description:    alert.Description,
		ActivePeriods:  alert.ActivePeriods,
		IsNational:     alert.IsNational,
		IsDeleted:      alert.IsDeleted,
		IsExpired:      alert.IsExpired,
	}

	a.AddedStops = stopPairs(alert.AddedStopIDs, metadata.Stops)
	a.RemovedStops = stopPairs(alert.RemovedStopIDs, metadata.Stops)

	lines := map[string]map[string]bool{}
	for _, routeID := range alert.RelevantRouteIDs {
		route, ok := metadata.Routes[routeID]
		if !ok {
			continue
		}
		if lines[route.AgencyID] == nil {
			lines[route.AgencyID] = map[string]bool{}
		}
		lines[route.AgencyID][route.ShortName] = true
	}
	a.RelevantLines = map[string][]string{}
	for agencyID, set := range lines {
		numbers := setToSlice(set)
		sort.SliceStable(numbers, func(i, j int) bool {
			return lineNumberForSorting(numbers[i]).less(lineNumberForSorting(numbers[j]))
		})
		a.RelevantLines[agencyID] = numbers
	}

	a.RelevantAgencies = []model.Agency{}
	for _, agencyID := range alert.RelevantAgencies {
		if agency, ok := metadata.Agencies[agencyID]; ok {
			a.RelevantAgencies = append(a.RelevantAgencies, agency)
		}
	}
	sort.Slice(a.RelevantAgencies, func(i, j int) bool {
		return a.RelevantAgencies[i].Name < a.RelevantAgencies[j].Name
	})

	firstRelevant, periodStart := NextRelevantDate(alert, now)
	if firstRelevant != nil {
		a.FirstRelevantDate = &model.ZonedTime{Time: *firstRelevant}
	}
	if periodStart != nil {
		a.CurrentActivePeriodStart = &model.LocalTime{Time: *periodStart}
	}

	departureChanges, err := e.DepartureChangesForAlert(ctx, alert, now)
	if err != nil {
		return nil, err
	}
	a.DepartureChanges = departureChanges

	return a, nil
}

func stopPairs(stopIDs []string, stops map[string]model.Stop) []model.StopPair {
	seen := map[model.StopPair]bool{}
	pairs := []model.StopPair{}
	for _, id := range stopIDs {
		stop, ok := stops[id]
		if !ok {
			continue
		}
		pair := model.StopPair{Code: stop.Code, Name: stop.Name}
		if !seen[pair] {
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return lineNumberForSorting(pairs[i].Code).less(lineNumberForSorting(pairs[j].Code))
	})
	return pairs
}

// SortAlerts orders alerts for the clients: live before deleted and
// expired, nearest first when distances are known, soonest first
// otherwise, with national alerts surfacing above the rest of the
// expired pile.
func SortAlerts(alerts []*model.AlertForAPI) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]

		if a.IsExpired != b.IsExpired {
			return !a.IsExpired
		}
		if a.IsDeleted != b.IsDeleted {
			return !a.IsDeleted
		}

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

		ta, tb := sortTimestamp(a), sortTimestamp(b)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}

		irrelevantA := (a.IsExpired || a.IsDeleted) && !a.IsNational
		irrelevantB := (b.IsExpired || b.IsDeleted) && !b.IsNational
		return !irrelevantA && irrelevantB
	})
}

func sortTimestamp(a *model.AlertForAPI) time.Time {
	if a.CurrentActivePeriodStart != nil {
		return a.CurrentActivePeriodStart.Time
	}
	return a.LastEndTime.Time
}
