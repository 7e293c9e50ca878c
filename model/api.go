package model

import (
	"encoding/json"
	"time"
)

// Wire formats for timestamps. The alerts database stores naive local
// timestamps, and the original API serialized them without an offset,
// so LocalTime keeps that shape. ZonedTime carries the offset and is
// used for the derived "next relevant date" fields.

type LocalTime struct{ time.Time }

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format("2006-01-02T15:04:05"))
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation("2006-01-02T15:04:05", s, Jerusalem)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type ZonedTime struct{ time.Time }

func (t ZonedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format("2006-01-02T15:04:05-07:00"))
}

func (t *ZonedTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse("2006-01-02T15:04:05-07:00", s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// StopPair is a (stop_code, stop_name) pair, marshaled as a two
// element array.
type StopPair struct {
	Code string
	Name string
}

func (p StopPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Code, p.Name})
}

func (p *StopPair) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Code, p.Name = pair[0], pair[1]
	return nil
}

// DepartureChange is one route's worth of added/removed departures,
// with the metadata the client needs to label it.
type DepartureChange struct {
	RouteMetadata
	ToText       string   `json:"to_text"`
	AddedHours   []string `json:"added_hours"`
	RemovedHours []string `json:"removed_hours"`
}

// DepartureChangesMap groups departure changes agency_id -> line
// number -> changes.
type DepartureChangesMap map[string]map[string][]DepartureChange

// AlertForAPI is the enriched alert served to clients. Selector
// internals (schedule_changes, raw id lists) are stripped before
// serving; what remains is joined metadata.
type AlertForAPI struct {
	ID             string    `json:"id"`
	FirstStartTime LocalTime `json:"first_start_time"`
	LastEndTime    LocalTime `json:"last_end_time"`
	UseCase        UseCase   `json:"use_case"`

	Header        TranslationSet `json:"header"`
	Description   TranslationSet `json:"description"`
	ActivePeriods ActivePeriods  `json:"active_periods"`

	IsNational bool `json:"is_national"`
	IsDeleted  bool `json:"is_deleted"`
	IsExpired  bool `json:"is_expired"`

	AddedStops       []StopPair          `json:"added_stops"`
	RemovedStops     []StopPair          `json:"removed_stops"`
	RelevantLines    map[string][]string `json:"relevant_lines"`
	RelevantAgencies []Agency            `json:"relevant_agencies"`

	FirstRelevantDate        *ZonedTime `json:"first_relevant_date"`
	CurrentActivePeriodStart *LocalTime `json:"current_active_period_start"`

	DepartureChanges DepartureChangesMap `json:"departure_changes,omitempty"`
	Distance         *float64            `json:"distance,omitempty"`
}

// StopSeqEntry is one stop of a mutated trip sequence, marshaled as
// [stop_id, is_added].
type StopSeqEntry struct {
	StopID  string
	IsAdded bool
}

func (e StopSeqEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.StopID, e.IsAdded})
}

func (e *StopSeqEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.StopID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.IsAdded)
}

// RouteChange is the effect of one alert on one route: the mutated
// stop sequence of a representative trip, plus labeling.
type RouteChange struct {
	RouteMetadata
	ToText  string  `json:"to_text"`
	DirName *string `json:"dir_name,omitempty"`
	AltName *string `json:"alt_name,omitempty"`

	UpdatedStopSequence []StopSeqEntry `json:"updated_stop_sequence"`
	DeletedStopIDs      []string       `json:"deleted_stop_ids"`
	Shape               [][2]float64   `json:"shape"`
}

// StopForMap is the minimal per-stop payload for drawing maps.
type StopForMap struct {
	Lon float64 `json:"stop_lon"`
	Lat float64 `json:"stop_lat"`
}

// BoundingBox is the min/max lon/lat envelope of a set of stops.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// RouteChangesResponse is the get_route_changes payload: changes
// grouped agency_id -> line number, plus everything the map widget
// needs.
type RouteChangesResponse struct {
	RouteChanges   map[string]map[string][]RouteChange `json:"route_changes"`
	StopsForMap    map[string]StopForMap               `json:"stops_for_map"`
	MapBoundingBox BoundingBox                         `json:"map_bounding_box"`
}

// AllAlertsResponse wraps the alert list endpoints.
type AllAlertsResponse struct {
	Alerts []*AlertForAPI `json:"alerts"`
}

// SingleAlertResponse adds the alert's route changes when it has any.
type SingleAlertResponse struct {
	Alerts         []*AlertForAPI                      `json:"alerts"`
	RouteChanges   map[string]map[string][]RouteChange `json:"route_changes,omitempty"`
	StopsForMap    map[string]StopForMap               `json:"stops_for_map,omitempty"`
	MapBoundingBox *BoundingBox                        `json:"map_bounding_box,omitempty"`
}

// LineDir is one direction of one alternative of an actual line.
type LineDir struct {
	RouteID  string   `json:"route_id"`
	DirID    string   `json:"dir_id"`
	Headsign string   `json:"headsign"`
	CityList []string `json:"city_list"`
}

// AltGroup groups a line's directions by alternative.
type AltGroup struct {
	AltID      string    `json:"alt_id"`
	Directions []LineDir `json:"directions"`
}

// ActualLine is one entry of the startup lines catalog: every route
// sharing a (route_short_name, mot_license_id) pair, grouped by
// alternative and direction.
type ActualLine struct {
	PK             string `json:"pk"`
	RouteShortName string `json:"route_short_name"`
	AgencyID       string `json:"agency_id"`
	MotLicenseID   string `json:"mot_license_id"`
	IsNightLine    bool   `json:"is_night_line"`

	Headsign1 string `json:"headsign_1"`
	Headsign2 string `json:"headsign_2"`

	AllDirectionsGrouped []AltGroup `json:"all_directions_grouped,omitempty"`
	AllStopIDsDistinct   []string   `json:"all_stopids_distinct,omitempty"`

	MainCities      []string `json:"main_cities"`
	SecondaryCities []string `json:"secondary_cities"`
}

// LineWithAlertCount is an ActualLine annotated with alert statistics
// for the all_lines view. The heavyweight catalog fields are dropped.
type LineWithAlertCount struct {
	ActualLine
	NumAlerts         int        `json:"num_alerts"`
	FirstRelevantDate *ZonedTime `json:"first_relevant_date"`
	NumRelevantToday  int        `json:"num_relevant_today"`
	NumRemovedStops   int        `json:"num_removed_stops"`
	Distance          *float64   `json:"distance,omitempty"`
}

// AllLinesResponse is the all_lines payload.
type AllLinesResponse struct {
	LinesWithAlert []*LineWithAlertCount `json:"lines_with_alert"`
	AllLines       []*LineWithAlertCount `json:"all_lines"`
	AllAgencies    map[string]Agency     `json:"all_agencies"`
	UsesLocation   bool                  `json:"uses_location"`
}

// LineAlert is the minimal alert payload attached to one direction in
// the single_line view. Route change fields are set only when the
// alert actually mutates that direction's route.
type LineAlert struct {
	Header        TranslationSet `json:"header"`
	Description   TranslationSet `json:"description"`
	ActivePeriods ActivePeriods  `json:"active_periods"`
	IsDeleted     bool           `json:"is_deleted"`

	DepartureChange *DepartureChange `json:"departure_change,omitempty"`

	Shape               [][2]float64   `json:"shape,omitempty"`
	DeletedStopIDs      []string       `json:"deleted_stop_ids,omitempty"`
	UpdatedStopSequence []StopSeqEntry `json:"updated_stop_sequence,omitempty"`
	MapBoundingBox      *BoundingBox   `json:"map_bounding_box,omitempty"`
}

// FlattenedLineDir is one direction in the single_line view, with its
// representative stop sequence, shape, and the alerts touching it.
type FlattenedLineDir struct {
	RouteID  string   `json:"route_id"`
	DirID    string   `json:"dir_id"`
	AltID    string   `json:"alt_id"`
	Headsign string   `json:"headsign"`
	CityList []string `json:"city_list"`

	StopSeq []string     `json:"stop_seq"`
	Shape   [][2]float64 `json:"shape"`

	RouteChanges []*LineAlert `json:"route_changes"`
	OtherAlerts  []*LineAlert `json:"other_alerts"`

	DirName *string `json:"dir_name"`
	AltName *string `json:"alt_name"`
}

// LineDetails heads the single_line payload.
type LineDetails struct {
	PK             string              `json:"pk"`
	RouteShortName string              `json:"route_short_name"`
	Agency         Agency              `json:"agency"`
	Headsign1      string              `json:"headsign_1"`
	Headsign2      string              `json:"headsign_2"`
	IsNightLine    bool                `json:"is_night_line"`
	DirsFlattened  []*FlattenedLineDir `json:"dirs_flattened"`
}

// SingleLineResponse is the single_line payload.
type SingleLineResponse struct {
	LineDetails    LineDetails     `json:"line_details"`
	AllStops       map[string]Stop `json:"all_stops"`
	MapBoundingBox BoundingBox     `json:"map_bounding_box"`
}
