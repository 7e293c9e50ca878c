package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "opentransit.dev/alerts"
	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
	"opentransit.dev/alerts/testutil"
)

func testNow() time.Time {
	return time.Date(2024, time.June, 10, 12, 0, 0, 0, model.Jerusalem)
}

func localUnix(year int, month time.Month, day, hour, min int) int64 {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC).Unix()
}

func junePeriod(b *testutil.AlertBuilder) *testutil.AlertBuilder {
	return b.Period(
		localUnix(2024, time.June, 10, 0, 0),
		localUnix(2024, time.June, 12, 0, 0))
}

func newTestServer(t *testing.T, entities ...*gtfsproto.FeedEntity) *Server {
	t.Helper()

	timetable := testutil.Timetable()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	if len(entities) > 0 {
		feed := testutil.BuildFeed(t, entities...)
		ingester := alerts.NewIngester(&alerts.Classifier{Timetable: timetable}, store, nil)
		_, err := ingester.IngestFeed(context.Background(), feed, testNow())
		require.NoError(t, err)
	}

	s, err := New(context.Background(), timetable, store, nil)
	require.NoError(t, err)
	s.Now = testNow
	return s
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestAllAlerts(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).
			InformedAgency("3").
			Header("he", "שיבושים").
			Entity(),
	)

	var response model.AllAlertsResponse
	decode(t, get(t, s, "/api/all_alerts"), &response)

	require.Len(t, response.Alerts, 1)
	assert.Equal(t, "a1", response.Alerts[0].ID)
	assert.Equal(t, model.UseCaseAgency, response.Alerts[0].UseCase)
	assert.Equal(t, "שיבושים", response.Alerts[0].Header["he"])
	assert.Nil(t, response.Alerts[0].Distance)

	// The serialized body is cached under the location-free key.
	_, ok := s.responses.Get("all_alerts")
	assert.True(t, ok)
}

func TestAllAlertsWithLocation(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).InformedStop("s2").Entity(),
	)

	// Standing at stop s1.
	var response model.AllAlertsResponse
	decode(t, get(t, s, "/api/all_alerts?current_location=32.7767_34.989"), &response)

	require.Len(t, response.Alerts, 1)
	require.NotNil(t, response.Alerts[0].Distance)

	_, ok := s.responses.Get("all_alerts|32.776700_34.989000")
	assert.True(t, ok)
}

func TestAllAlertsBadLocation(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/api/all_alerts?current_location=garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSingleAlert(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).InformedStop("s2").Entity(),
	)

	var response model.SingleAlertResponse
	decode(t, get(t, s, "/api/single_alert?id=a1"), &response)

	require.Len(t, response.Alerts, 1)
	assert.Equal(t, model.UseCaseStopsCancelled, response.Alerts[0].UseCase)
	assert.NotEmpty(t, response.RouteChanges)
	assert.Contains(t, response.StopsForMap, "s2")
	assert.NotNil(t, response.MapBoundingBox)
}

func TestSingleAlertMissingID(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/api/single_alert")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSingleAlertUnknown(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/api/single_alert?id=nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRouteChanges(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).InformedStop("s2").Entity(),
		junePeriod(testutil.NewAlert("a2")).InformedAgency("3").Entity(),
	)

	var withChanges model.RouteChangesResponse
	decode(t, get(t, s, "/api/get_route_changes?id=a1"), &withChanges)
	assert.NotEmpty(t, withChanges.RouteChanges)

	// Agency alerts carry no route changes; the endpoint still
	// answers with an empty response.
	var without model.RouteChangesResponse
	decode(t, get(t, s, "/api/get_route_changes?id=a2"), &without)
	assert.Empty(t, without.RouteChanges)
}

func TestAllLines(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).InformedStop("s2").Entity(),
	)

	var response model.AllLinesResponse
	decode(t, get(t, s, "/api/all_lines"), &response)

	require.Len(t, response.AllLines, 2)
	require.Len(t, response.LinesWithAlert, 1)
	assert.Equal(t, "42_10042", response.LinesWithAlert[0].PK)
	assert.False(t, response.UsesLocation)
	assert.Contains(t, response.AllAgencies, "3")
	assert.Contains(t, response.AllAgencies, "5")
}

func TestAllLinesWithLocation(t *testing.T) {
	s := newTestServer(t,
		junePeriod(testutil.NewAlert("a1")).InformedStop("s2").Entity(),
		junePeriod(testutil.NewAlert("a2")).InformedStop("s5").Entity(),
	)

	// Near the Haifa stops, so line 42 sorts ahead of Tel Aviv's 7.
	var response model.AllLinesResponse
	decode(t, get(t, s, "/api/all_lines?current_location=32.7767_34.989"), &response)

	assert.True(t, response.UsesLocation)
	require.Len(t, response.LinesWithAlert, 2)
	assert.Equal(t, "42_10042", response.LinesWithAlert[0].PK)
	require.NotNil(t, response.LinesWithAlert[0].Distance)
	require.NotNil(t, response.LinesWithAlert[1].Distance)
	assert.Less(t, *response.LinesWithAlert[0].Distance, *response.LinesWithAlert[1].Distance)
}

func TestSingleLine(t *testing.T) {
	s := newTestServer(t)

	var response model.SingleLineResponse
	decode(t, get(t, s, "/api/single_line?id=42_10042"), &response)
	assert.Equal(t, "42_10042", response.LineDetails.PK)
	assert.Contains(t, response.AllStops, "s1")
}

func TestSingleLineUnknown(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/api/single_line?id=999_999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseLocation(t *testing.T) {
	loc, ok := parseLocation("")
	assert.True(t, ok)
	assert.Nil(t, loc)

	loc, ok = parseLocation("32.12345678_34.9")
	require.True(t, ok)
	require.NotNil(t, loc)
	assert.Equal(t, "32.123457_34.900000", loc.key)

	// Extra fields after lat and lon are ignored.
	loc, ok = parseLocation("32.1_34.9_junk")
	require.True(t, ok)
	assert.Equal(t, "32.100000_34.900000", loc.key)

	_, ok = parseLocation("32.1")
	assert.False(t, ok)

	_, ok = parseLocation("north_west")
	assert.False(t, ok)
}
