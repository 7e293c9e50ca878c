// Package alerts implements the service alerts pipeline: feed
// classification against the static timetable, persistence, and the
// enriched views the web API serves.
package alerts

import (
	"sort"
	"time"

	"opentransit.dev/alerts/model"
)

const isoFormat = "2006-01-02T15:04:05.000-07:00"

// ConsolidateActivePeriods turns raw (start, end) pairs into the
// human friendly form the clients render: open ended or multi-day
// periods stay as simple [start, end] entries, while periods confined
// to one or two calendar days get grouped into date lists sharing the
// same daily time windows.
func ConsolidateActivePeriods(periods []model.ActivePeriod) []model.ConsolidatedPeriod {
	result := []model.ConsolidatedPeriod{}

	byDay := map[string][]model.TimeWindow{}
	dayOrder := []string{}

	for _, p := range periods {
		var start, end *time.Time
		if p.Start() != 0 {
			t := model.ParseLocalUnix(p.Start())
			start = &t
		}
		if p.End() != 0 {
			t := model.ParseLocalUnix(p.End())
			end = &t
		}

		if start == nil || end == nil {
			result = append(result, model.ConsolidatedPeriod{
				Simple: []*string{isoOrNil(start), isoOrNil(end)},
			})
			continue
		}

		startDay := midnight(*start)
		endDay := midnight(*end)

		if endDay.After(startDay.AddDate(0, 0, 1)) {
			result = append(result, model.ConsolidatedPeriod{
				Simple: []*string{isoOrNil(start), isoOrNil(end)},
			})
			continue
		}

		key := startDay.Format("2006-01-02")
		if _, ok := byDay[key]; !ok {
			dayOrder = append(dayOrder, key)
		}
		byDay[key] = append(byDay[key], model.TimeWindow{
			Start:       start.Format("15:04"),
			End:         end.Format("15:04"),
			EndsNextDay: endDay.After(startDay),
		})
	}

	type group struct {
		dates []string
		times []model.TimeWindow
	}
	groups := []*group{}

	for _, day := range dayOrder {
		times := byDay[day]

		var found *group
		for _, g := range groups {
			if equalTimeWindows(g.times, times) {
				found = g
				break
			}
		}
		if found != nil {
			found.dates = append(found.dates, day)
			continue
		}
		groups = append(groups, &group{dates: []string{day}, times: times})
	}

	for _, g := range groups {
		times := append([]model.TimeWindow(nil), g.times...)
		sort.Slice(times, func(i, j int) bool {
			return lessTimeWindow(times[i], times[j])
		})

		unique := times[:0:0]
		for i, w := range times {
			if i == 0 || w != times[i-1] {
				unique = append(unique, w)
			}
		}

		result = append(result, model.ConsolidatedPeriod{
			Dates: consolidateDateList(g.dates),
			Times: unique,
		})
	}

	return result
}

func isoOrNil(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(isoFormat)
	return &s
}

func equalTimeWindows(a, b []model.TimeWindow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lessTimeWindow(a, b model.TimeWindow) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.End != b.End {
		return a.End < b.End
	}
	return !a.EndsNextDay && b.EndsNextDay
}

// consolidateDateList collapses runs of consecutive days into ranges.
// Input dates are "yyyy-mm-dd", so lexicographic order is date order.
func consolidateDateList(dates []string) []model.DateOrRange {
	dates = append([]string(nil), dates...)
	sort.Strings(dates)

	result := []model.DateOrRange{}
	var rangeStart, rangeEnd string
	var rangeEndDay time.Time

	flush := func() {
		if rangeStart == "" {
			return
		}
		if rangeStart == rangeEnd {
			result = append(result, model.DateOrRange{Start: rangeStart})
		} else {
			result = append(result, model.DateOrRange{Start: rangeStart, End: rangeEnd})
		}
	}

	for i, date := range dates {
		if i > 0 && date == dates[i-1] {
			continue
		}

		day, err := time.ParseInLocation("2006-01-02", date, model.Jerusalem)
		if err != nil {
			continue
		}

		if rangeStart != "" && day.Equal(rangeEndDay.AddDate(0, 0, 1)) {
			rangeEnd = date
			rangeEndDay = day
			continue
		}

		flush()
		rangeStart, rangeEnd = date, date
		rangeEndDay = day
	}
	flush()

	return result
}

func midnight(t time.Time) time.Time {
	y, m, d := t.In(model.Jerusalem).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, model.Jerusalem)
}

// NextRelevantDate finds the first date the alert matters on, plus the
// start of the active period making it so. Deleted and expired alerts
// have no relevant date; neither do alerts whose periods all ended.
func NextRelevantDate(alert *model.Alert, now time.Time) (firstRelevantDate, activePeriodStart *time.Time) {
	if alert.IsDeleted || alert.IsExpired {
		return nil, nil
	}

	today := midnight(now)

	for _, p := range alert.ActivePeriods.Raw {
		var start, end *time.Time
		if p.Start() != 0 {
			t := model.ParseLocalUnix(p.Start())
			start = &t
		}
		if p.End() != 0 {
			t := model.ParseLocalUnix(p.End())
			end = &t
		}

		if end != nil && !end.After(today) {
			continue
		}

		if start == nil || !start.After(today) {
			epoch := model.ParseLocalUnix(0)
			if start == nil {
				start = &epoch
			}
			return &today, start
		}

		d := midnight(*start)
		if firstRelevantDate == nil || d.Before(*firstRelevantDate) {
			dd := d
			firstRelevantDate = &dd
			activePeriodStart = start
		}
	}

	return firstRelevantDate, activePeriodStart
}

// RepresentativeDate picks the date whose timetable best illustrates
// the alert's route changes: today while the alert is active, the
// latest period end once it expired, the final end date if it was
// deleted, and the earliest future start for alerts yet to begin.
func RepresentativeDate(alert *model.Alert, now time.Time) time.Time {
	today := midnight(now)

	switch {
	case alert.IsExpired:
		var latest *time.Time
		for _, p := range alert.ActivePeriods.Raw {
			if p.End() == 0 {
				return today
			}
			end := model.ParseLocalUnix(p.End())
			if latest == nil || end.After(*latest) {
				latest = &end
			}
		}
		if latest != nil {
			return *latest
		}
		return today

	case alert.IsDeleted:
		return midnight(alert.LastEndTime)

	default:
		var earliest *time.Time
		for _, p := range alert.ActivePeriods.Raw {
			hasStart, hasEnd := p.Start() != 0, p.End() != 0

			if !hasStart && !hasEnd {
				return today
			}
			if hasEnd && !model.ParseLocalUnix(p.End()).After(today) {
				continue
			}
			if !hasStart {
				return today
			}
			start := model.ParseLocalUnix(p.Start())
			if !start.After(today) {
				return today
			}
			if earliest == nil || start.Before(*earliest) {
				earliest = &start
			}
		}
		if earliest != nil {
			return *earliest
		}
		return today
	}
}
