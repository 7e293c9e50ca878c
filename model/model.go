// Package model contains the externally facing types of the service
// alerts pipeline: the normalized alert record that gets persisted,
// its use-case specific payloads, and the timetable metadata shapes
// the enrichment layer joins against.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Jerusalem is the zone every feed timestamp is interpreted in. The
// upstream producer emits active_period bounds as local unix time, in
// violation of the realtime spec, so everything downstream sticks to
// this zone.
var Jerusalem = mustLoadLocation("Asia/Jerusalem")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("loading %s: %v", name, err))
	}
	return loc
}

// InfiniteEndTime is the unix time used for alerts with no end bound:
// 2200-01-01T00:00:00Z.
const InfiniteEndTime int64 = 7258118400

// UseCase is the classification bucket an alert gets sorted into. The
// bucket determines how OriginalSelector and ScheduleChanges are to be
// interpreted.
type UseCase int

const (
	UseCaseNational           UseCase = 1
	UseCaseAgency             UseCase = 2
	UseCaseRegion             UseCase = 3
	UseCaseCities             UseCase = 4
	UseCaseStopsCancelled     UseCase = 5
	UseCaseRouteChangesFlex   UseCase = 6
	UseCaseRouteChangesSimple UseCase = 7
	UseCaseScheduleChanges    UseCase = 8
)

func (u UseCase) String() string {
	switch u {
	case UseCaseNational:
		return "NATIONAL"
	case UseCaseAgency:
		return "AGENCY"
	case UseCaseRegion:
		return "REGION"
	case UseCaseCities:
		return "CITIES"
	case UseCaseStopsCancelled:
		return "STOPS_CANCELLED"
	case UseCaseRouteChangesFlex:
		return "ROUTE_CHANGES_FLEX"
	case UseCaseRouteChangesSimple:
		return "ROUTE_CHANGES_SIMPLE"
	case UseCaseScheduleChanges:
		return "SCHEDULE_CHANGES"
	}
	return fmt.Sprintf("UseCase(%d)", int(u))
}

// HasRouteChanges reports whether the route change engine has anything
// to compute for alerts of this use case.
func (u UseCase) HasRouteChanges() bool {
	switch u {
	case UseCaseStopsCancelled, UseCaseRouteChangesFlex, UseCaseRouteChangesSimple:
		return true
	}
	return false
}

// TranslationSet maps a language tag to translated text.
type TranslationSet map[string]string

// ActivePeriod is one raw (start, end) pair in unix seconds. A zero
// bound means open-ended.
type ActivePeriod [2]int64

func (p ActivePeriod) Start() int64 { return p[0] }
func (p ActivePeriod) End() int64   { return p[1] }

// TimeWindow is a daily time-of-day window inside a consolidated
// period. It marshals as ["HH:MM", "HH:MM", endsNextDay].
type TimeWindow struct {
	Start       string
	End         string
	EndsNextDay bool
}

func (w TimeWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{w.Start, w.End, w.EndsNextDay})
}

func (w *TimeWindow) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling time window: %w", err)
	}
	if err := json.Unmarshal(raw[0], &w.Start); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &w.End); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &w.EndsNextDay)
}

// DateOrRange is an entry in a consolidated period's date list: either
// a single "yyyy-mm-dd" date (End empty) or an inclusive range, which
// marshals as a two element array.
type DateOrRange struct {
	Start string
	End   string
}

func (d DateOrRange) MarshalJSON() ([]byte, error) {
	if d.End == "" || d.End == d.Start {
		return json.Marshal(d.Start)
	}
	return json.Marshal([2]string{d.Start, d.End})
}

func (d *DateOrRange) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		d.End = ""
		return json.Unmarshal(data, &d.Start)
	}
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("unmarshaling date range: %w", err)
	}
	d.Start, d.End = pair[0], pair[1]
	return nil
}

// ConsolidatedPeriod is the human friendly rendition of one or more
// raw active periods: either a Simple [startISO, endISO] entry (for
// unbounded or multi-day spans) or a Dates+Times group.
type ConsolidatedPeriod struct {
	Simple []*string     `json:"simple,omitempty"`
	Dates  []DateOrRange `json:"dates,omitempty"`
	Times  []TimeWindow  `json:"times,omitempty"`
}

// ActivePeriods carries both the raw pairs and their consolidation.
type ActivePeriods struct {
	Raw          []ActivePeriod       `json:"raw"`
	Consolidated []ConsolidatedPeriod `json:"consolidated"`
}

// StopChange is one entry in a route's schedule change list: either a
// removal of a stop or an insertion of a stop relative to another.
type StopChange struct {
	RemovedStopID  string
	AddedStopID    string
	RelativeStopID string
	IsBefore       bool
}

// IsRemoval reports whether the change removes a stop rather than
// adding one.
func (c StopChange) IsRemoval() bool { return c.RemovedStopID != "" }

func (c StopChange) MarshalJSON() ([]byte, error) {
	if c.IsRemoval() {
		return json.Marshal(struct {
			RemovedStopID string `json:"removed_stop_id"`
		}{c.RemovedStopID})
	}
	return json.Marshal(struct {
		AddedStopID    string `json:"added_stop_id"`
		RelativeStopID string `json:"relative_stop_id"`
		IsBefore       bool   `json:"is_before"`
	}{c.AddedStopID, c.RelativeStopID, c.IsBefore})
}

func (c *StopChange) UnmarshalJSON(data []byte) error {
	var raw struct {
		RemovedStopID  string `json:"removed_stop_id"`
		AddedStopID    string `json:"added_stop_id"`
		RelativeStopID string `json:"relative_stop_id"`
		IsBefore       bool   `json:"is_before"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshaling stop change: %w", err)
	}
	c.RemovedStopID = raw.RemovedStopID
	c.AddedStopID = raw.AddedStopID
	c.RelativeStopID = raw.RelativeStopID
	c.IsBefore = raw.IsBefore
	return nil
}

// DepartureTimes lists departures added to and removed from one route
// by a SCHEDULE_CHANGES alert.
type DepartureTimes struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// ScheduleChanges is the use-case-discriminated payload of an alert:
// per-route stop changes for the ROUTE_CHANGES cases, per-route
// departure changes for SCHEDULE_CHANGES. Exactly one of the two maps
// is set; the JSON shape is whichever map is present.
type ScheduleChanges struct {
	Route     map[string][]StopChange
	Departure map[string]*DepartureTimes
}

func (s *ScheduleChanges) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	if s.Route != nil {
		return json.Marshal(s.Route)
	}
	if s.Departure != nil {
		return json.Marshal(s.Departure)
	}
	return []byte("null"), nil
}

// UnmarshalScheduleChanges decodes a persisted schedule_changes value.
// The JSON alone is ambiguous, so the alert's use case picks the arm.
func UnmarshalScheduleChanges(useCase UseCase, data []byte) (*ScheduleChanges, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	sc := &ScheduleChanges{}
	switch useCase {
	case UseCaseRouteChangesFlex, UseCaseRouteChangesSimple, UseCaseStopsCancelled:
		if err := json.Unmarshal(data, &sc.Route); err != nil {
			return nil, fmt.Errorf("unmarshaling route changes: %w", err)
		}
	case UseCaseScheduleChanges:
		if err := json.Unmarshal(data, &sc.Departure); err != nil {
			return nil, fmt.Errorf("unmarshaling departure changes: %w", err)
		}
	default:
		return nil, nil
	}
	return sc, nil
}

// TripSelector is one trip reference from a SCHEDULE_CHANGES alert's
// informed entities. The trip ids in the feed are synthetic, hence
// "fake": they only resolve through the trip_id_to_date table.
type TripSelector struct {
	RouteID    string `json:"route_id"`
	FakeTripID string `json:"fake_trip_id"`
	Action     int32  `json:"action"`
	StartTime  string `json:"start_time"`
}

// Selector is the canonical original_selector payload. Which fields
// are set depends on the use case; NATIONAL and AGENCY alerts carry an
// empty selector.
type Selector struct {
	StopIDs        []string       `json:"stop_ids,omitempty"`
	RouteStopPairs [][2]string    `json:"route_stop_pairs,omitempty"`
	OldAramaic     string         `json:"old_aramaic,omitempty"`
	Cities         []string       `json:"cities,omitempty"`
	Trips          []TripSelector `json:"trips,omitempty"`
}

// IsEmpty reports whether no selector field narrows the alert's scope.
func (s Selector) IsEmpty() bool {
	return len(s.StopIDs) == 0 && len(s.RouteStopPairs) == 0 &&
		s.OldAramaic == "" && len(s.Cities) == 0 && len(s.Trips) == 0
}

// Alert is the normalized, persisted representation of one feed
// entity. Immutable once written, except for DeletionTstz.
type Alert struct {
	ID             string
	FirstStartTime time.Time
	LastEndTime    time.Time
	RawData        []byte

	UseCase          UseCase
	OriginalSelector Selector
	Cause            string
	Effect           string

	URL         TranslationSet
	Header      TranslationSet
	Description TranslationSet

	ActivePeriods   ActivePeriods
	ScheduleChanges *ScheduleChanges
	IsNational      bool
	DeletionTstz    *time.Time

	RelevantAgencies []string
	RelevantRouteIDs []string
	AddedStopIDs     []string
	RemovedStopIDs   []string

	// Computed by the alerts_with_related view on read.
	IsDeleted bool
	IsExpired bool
}

// Agency is a row of the timetable's agency table.
type Agency struct {
	ID   string `json:"agency_id"`
	Name string `json:"agency_name"`
}

// Stop is the timetable metadata for one stop.
type Stop struct {
	ID   string  `json:"stop_id"`
	Lon  float64 `json:"stop_lon"`
	Lat  float64 `json:"stop_lat"`
	Name string  `json:"stop_name"`
	Code string  `json:"stop_code"`
}

// Route is the timetable metadata joined in for an alert's routes.
type Route struct {
	ID        string `json:"route_id"`
	ShortName string `json:"route_short_name"`
	AgencyID  string `json:"agency_id"`
}

// RouteMetadata is the route+agency join used by the route change and
// departure change views. LineNumber is the route_short_name.
type RouteMetadata struct {
	RouteID    string `json:"route_id"`
	RouteDesc  string `json:"route_desc"`
	AgencyID   string `json:"agency_id"`
	LineNumber string `json:"line_number"`
	AgencyName string `json:"agency_name"`
}
