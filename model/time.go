package model

import "time"

// ParseLocalUnix interprets one of the producer's bogus "local unix"
// timestamps: the UTC wall clock reading of the unix time, taken as
// Jerusalem local time.
func ParseLocalUnix(n int64) time.Time {
	t := time.Unix(n, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, Jerusalem)
}

// SubPeriod is a bounded-or-open slice of an active period. A nil
// bound is open on that side.
type SubPeriod struct {
	Start *time.Time
	End   *time.Time
}

// Split decomposes the period into up to three sub-periods: a
// start remainder ending at midnight, a midnight-aligned multi-day
// middle, and an end remainder starting at midnight. GTFS calendars
// are day-granular, so the timetable query needs day-aligned pieces
// to know which weekday columns to check.
func (p ActivePeriod) Split() []SubPeriod {
	hasStart := p.Start() != 0
	hasEnd := p.End() != 0

	if !hasStart && !hasEnd {
		return nil
	}

	var start, end time.Time
	if hasStart {
		start = ParseLocalUnix(p.Start())
	}
	if hasEnd {
		end = ParseLocalUnix(p.End())
	}

	if hasStart && hasEnd && sameDay(start, end) {
		s, e := start, end
		return []SubPeriod{{Start: &s, End: &e}}
	}

	parts := []SubPeriod{}

	if hasStart {
		if start.Hour() != 0 || start.Minute() != 0 {
			midnightAfter := midnightOf(start).AddDate(0, 0, 1)
			s := start
			parts = append(parts, SubPeriod{Start: &s, End: &midnightAfter})
			start = midnightAfter
		}
	}

	var endRemainder *SubPeriod
	if hasEnd {
		if end.Hour() != 0 || end.Minute() != 0 {
			midnightBefore := midnightOf(end)
			e := end
			endRemainder = &SubPeriod{Start: &midnightBefore, End: &e}
			end = midnightBefore
		}
	}

	middle := SubPeriod{}
	if hasStart {
		s := start
		middle.Start = &s
	}
	if hasEnd {
		e := end
		middle.End = &e
	}
	if !hasStart || !hasEnd || !start.Equal(end) {
		parts = append(parts, middle)
	}

	if endRemainder != nil {
		parts = append(parts, *endRemainder)
	}

	return parts
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func midnightOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, Jerusalem)
}

// ActualLineRow is one route's slice of the lines catalog query. The
// catalog builder groups these into ActualLine entries.
type ActualLineRow struct {
	RouteID        string
	RouteShortName string
	RouteDesc      string
	AgencyID       string
	Headsign       string
	StopIDs        []string
	Cities         []string
	EarliestHour   string
}
