// Package testutil builds realtime feed payloads and in-memory
// timetable fixtures for tests.
package testutil

import (
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

// BuildFeed marshals entities into a realtime feed payload.
func BuildFeed(t testing.TB, entities ...*gtfsproto.FeedEntity) []byte {
	t.Helper()

	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: entities,
	}

	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	return data
}

// AlertBuilder assembles one alert entity.
type AlertBuilder struct {
	id    string
	alert *gtfsproto.Alert
}

func NewAlert(id string) *AlertBuilder {
	return &AlertBuilder{
		id:    id,
		alert: &gtfsproto.Alert{},
	}
}

func (b *AlertBuilder) Period(start, end int64) *AlertBuilder {
	b.alert.ActivePeriod = append(b.alert.ActivePeriod, &gtfsproto.TimeRange{
		Start: proto.Uint64(uint64(start)),
		End:   proto.Uint64(uint64(end)),
	})
	return b
}

func (b *AlertBuilder) Header(lang, text string) *AlertBuilder {
	b.alert.HeaderText = appendTranslation(b.alert.HeaderText, lang, text)
	return b
}

func (b *AlertBuilder) Description(lang, text string) *AlertBuilder {
	b.alert.DescriptionText = appendTranslation(b.alert.DescriptionText, lang, text)
	return b
}

func (b *AlertBuilder) URL(lang, text string) *AlertBuilder {
	b.alert.Url = appendTranslation(b.alert.Url, lang, text)
	return b
}

// OldAramaic attaches a selector payload as the "oar" description
// translation.
func (b *AlertBuilder) OldAramaic(payload string) *AlertBuilder {
	return b.Description("oar", payload)
}

func (b *AlertBuilder) InformedAgency(agencyID string) *AlertBuilder {
	b.alert.InformedEntity = append(b.alert.InformedEntity, &gtfsproto.EntitySelector{
		AgencyId: proto.String(agencyID),
	})
	return b
}

func (b *AlertBuilder) InformedStop(stopID string) *AlertBuilder {
	b.alert.InformedEntity = append(b.alert.InformedEntity, &gtfsproto.EntitySelector{
		StopId: proto.String(stopID),
	})
	return b
}

func (b *AlertBuilder) InformedRoute(routeID string) *AlertBuilder {
	b.alert.InformedEntity = append(b.alert.InformedEntity, &gtfsproto.EntitySelector{
		RouteId: proto.String(routeID),
	})
	return b
}

func (b *AlertBuilder) InformedRouteStop(routeID, stopID string) *AlertBuilder {
	b.alert.InformedEntity = append(b.alert.InformedEntity, &gtfsproto.EntitySelector{
		RouteId: proto.String(routeID),
		StopId:  proto.String(stopID),
	})
	return b
}

func (b *AlertBuilder) InformedTrip(tripID, routeID, startTime string, rel gtfsproto.TripDescriptor_ScheduleRelationship) *AlertBuilder {
	b.alert.InformedEntity = append(b.alert.InformedEntity, &gtfsproto.EntitySelector{
		Trip: &gtfsproto.TripDescriptor{
			TripId:               proto.String(tripID),
			RouteId:              proto.String(routeID),
			StartTime:            proto.String(startTime),
			ScheduleRelationship: rel.Enum(),
		},
	})
	return b
}

func (b *AlertBuilder) Entity() *gtfsproto.FeedEntity {
	return &gtfsproto.FeedEntity{
		Id:    proto.String(b.id),
		Alert: b.alert,
	}
}

func appendTranslation(ts *gtfsproto.TranslatedString, lang, text string) *gtfsproto.TranslatedString {
	if ts == nil {
		ts = &gtfsproto.TranslatedString{}
	}
	ts.Translation = append(ts.Translation, &gtfsproto.TranslatedString_Translation{
		Language: proto.String(lang),
		Text:     proto.String(text),
	})
	return ts
}

// Date builds a local Jerusalem timestamp.
func Date(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, model.Jerusalem)
}

// Timetable builds a small two-agency network:
//
//	agency 3: line 42 (license 10042), routes r1/r2 (two directions)
//	          serving stops s1..s4 in the city of חיפה
//	agency 5: line 7 (license 10007), route r3 serving s5/s6 in תל אביב
//
// Calendars run through all of 2024, every day of the week.
func Timetable() *storage.MemoryTimetable {
	m := storage.NewMemoryTimetable()

	m.Agencies["3"] = model.Agency{ID: "3", Name: "אגד"}
	m.Agencies["5"] = model.Agency{ID: "5", Name: "דן"}

	m.Routes["r1"] = model.Route{ID: "r1", ShortName: "42", AgencyID: "3"}
	m.Routes["r2"] = model.Route{ID: "r2", ShortName: "42", AgencyID: "3"}
	m.Routes["r3"] = model.Route{ID: "r3", ShortName: "7", AgencyID: "5"}
	m.RouteDescs["r1"] = "10042-1-#"
	m.RouteDescs["r2"] = "10042-2-#"
	m.RouteDescs["r3"] = "10007-1-#"
	m.EarliestHours["r1"] = "06:00:00"
	m.EarliestHours["r2"] = "06:10:00"
	m.EarliestHours["r3"] = "05:30:00"

	stops := []struct {
		id, code, name, city string
		lat, lon             float64
	}{
		{"s1", "10001", "מרכזית חוף הכרמל", "חיפה", 32.7940, 34.9896},
		{"s2", "10002", "שדרות בן גוריון", "חיפה", 32.8044, 34.9870},
		{"s3", "10003", "מרכזית המפרץ", "חיפה", 32.7890, 35.0390},
		{"s4", "10004", "טכניון", "חיפה", 32.7767, 35.0231},
		{"s5", "10005", "רדינג", "תל אביב", 32.0975, 34.7760},
		{"s6", "10006", "תחנה מרכזית", "תל אביב", 32.0554, 34.7793},
	}
	for _, s := range stops {
		m.Stops[s.id] = model.Stop{ID: s.id, Code: s.code, Name: s.name, Lat: s.lat, Lon: s.lon}
		m.StopDescsByID[s.id] = "רחוב:  עיר: " + s.city + " רציף:  קומה: "
	}

	allDays := map[time.Weekday]bool{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		allDays[d] = true
	}
	calStart := Date(2024, time.January, 1, 0, 0)
	calEnd := Date(2024, time.December, 31, 0, 0)

	m.Trips["t1"] = &storage.MemoryTrip{
		TripID: "t1", RouteID: "r1", Headsign: "חיפה_טכניון",
		StopCalls: []storage.MemoryStopCall{
			{StopID: "s1", Arrival: 6 * time.Hour},
			{StopID: "s2", Arrival: 6*time.Hour + 10*time.Minute},
			{StopID: "s3", Arrival: 6*time.Hour + 25*time.Minute},
			{StopID: "s4", Arrival: 6*time.Hour + 40*time.Minute},
		},
		Shape: [][2]float64{
			{34.9896, 32.7940}, {34.9870, 32.8044}, {35.0390, 32.7890}, {35.0231, 32.7767},
		},
		CalendarStart: calStart, CalendarEnd: calEnd, Days: allDays,
	}
	m.Trips["t2"] = &storage.MemoryTrip{
		TripID: "t2", RouteID: "r2", Headsign: "טכניון_חיפה",
		StopCalls: []storage.MemoryStopCall{
			{StopID: "s4", Arrival: 6*time.Hour + 10*time.Minute},
			{StopID: "s3", Arrival: 6*time.Hour + 25*time.Minute},
			{StopID: "s2", Arrival: 6*time.Hour + 40*time.Minute},
			{StopID: "s1", Arrival: 6*time.Hour + 55*time.Minute},
		},
		CalendarStart: calStart, CalendarEnd: calEnd, Days: allDays,
	}
	m.Trips["t3"] = &storage.MemoryTrip{
		TripID: "t3", RouteID: "r3", Headsign: "תל אביב_רדינג",
		StopCalls: []storage.MemoryStopCall{
			{StopID: "s6", Arrival: 5*time.Hour + 30*time.Minute},
			{StopID: "s5", Arrival: 5*time.Hour + 50*time.Minute},
		},
		CalendarStart: calStart, CalendarEnd: calEnd, Days: allDays,
	}

	m.DepartureTimes["fake1"] = "08:30:00"
	m.DepartureTimes["fake2"] = "09:15:00"

	return m
}
