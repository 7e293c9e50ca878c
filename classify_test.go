package alerts

import (
	"context"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/parse"
	"opentransit.dev/alerts/testutil"
)

// classifyOne round trips a single alert entity through the feed codec
// and the classifier.
func classifyOne(t *testing.T, b *testutil.AlertBuilder) *model.Alert {
	t.Helper()

	raws, err := parse.Alerts(testutil.BuildFeed(t, b.Entity()))
	require.NoError(t, err)
	require.Len(t, raws, 1)

	c := &Classifier{Timetable: testutil.Timetable()}
	alert, err := c.Classify(context.Background(), raws[0])
	require.NoError(t, err)
	return alert
}

func junePeriod(b *testutil.AlertBuilder) *testutil.AlertBuilder {
	return b.Period(
		localUnix(2024, time.June, 10, 0, 0),
		localUnix(2024, time.June, 12, 0, 0),
	)
}

func TestClassifyNational(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a1")).
		Header("he", "שיבוש ארצי"))

	assert.Equal(t, model.UseCaseNational, alert.UseCase)
	assert.True(t, alert.IsNational)
	assert.True(t, alert.OriginalSelector.IsEmpty())
	assert.Empty(t, alert.RelevantAgencies)
}

func TestClassifyAgency(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a2")).
		InformedAgency("3"))

	assert.Equal(t, model.UseCaseAgency, alert.UseCase)
	assert.False(t, alert.IsNational)
	assert.Equal(t, []string{"3"}, alert.RelevantAgencies)
	assert.True(t, alert.OriginalSelector.IsEmpty())
}

func TestClassifyIgnoresRailPlaceholderAgency(t *testing.T) {
	// Agency id "1" gets attached to everything upstream and never
	// counts as a selector.
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a3")).
		InformedAgency("1"))

	assert.Equal(t, model.UseCaseNational, alert.UseCase)
	assert.True(t, alert.IsNational)
}

func TestClassifyCities(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a4")).
		Description("he", "עקב האירוע\n"+CityListPrefix+"חיפה,תל אביב\nפרטים נוספים"))

	assert.Equal(t, model.UseCaseCities, alert.UseCase)
	assert.Equal(t, []string{"חיפה", "תל אביב"}, alert.OriginalSelector.Cities)
}

func TestClassifyRegion(t *testing.T) {
	// A polygon around Haifa, covering s1..s4 but not the Tel Aviv
	// stops.
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a5")).
		OldAramaic("region=32.7,34.9:32.9,34.9:32.9,35.1:32.7,35.1;"))

	assert.Equal(t, model.UseCaseRegion, alert.UseCase)
	assert.Equal(t, "region=32.7,34.9:32.9,34.9:32.9,35.1:32.7,35.1;", alert.OriginalSelector.OldAramaic)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, alert.RemovedStopIDs)
	assert.Equal(t, []string{"r1", "r2"}, alert.RelevantRouteIDs)
	assert.Equal(t, []string{"3"}, alert.RelevantAgencies)
}

func TestClassifyStopsCancelled(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a6")).
		InformedStop("s2"))

	assert.Equal(t, model.UseCaseStopsCancelled, alert.UseCase)
	assert.Equal(t, []string{"s2"}, alert.OriginalSelector.StopIDs)
	assert.Equal(t, []string{"s2"}, alert.RemovedStopIDs)
	assert.Equal(t, []string{"r1", "r2"}, alert.RelevantRouteIDs)
	assert.Equal(t, []string{"3"}, alert.RelevantAgencies)
}

func TestClassifyRouteChangesSimple(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a7")).
		InformedRouteStop("r1", "s2").
		InformedRouteStop("r1", "s3"))

	assert.Equal(t, model.UseCaseRouteChangesSimple, alert.UseCase)
	assert.Equal(t, [][2]string{{"r1", "s2"}, {"r1", "s3"}}, alert.OriginalSelector.RouteStopPairs)
	assert.Equal(t, []string{"s2", "s3"}, alert.RemovedStopIDs)
	assert.Equal(t, []string{"r1"}, alert.RelevantRouteIDs)

	require.NotNil(t, alert.ScheduleChanges)
	assert.Equal(t, []model.StopChange{
		{RemovedStopID: "s2"},
		{RemovedStopID: "s3"},
	}, alert.ScheduleChanges.Route["r1"])
}

func TestClassifyRouteChangesFlex(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a8")).
		InformedRouteStop("r1", "s2").
		OldAramaic("route_id=r1,add_stop_id=s9,after_stop_id=s1;"))

	assert.Equal(t, model.UseCaseRouteChangesFlex, alert.UseCase)
	assert.Equal(t, []string{"s9"}, alert.AddedStopIDs)
	assert.Equal(t, []string{"s2"}, alert.RemovedStopIDs)

	// Additions come before removals so a relative stop can refer to a
	// stop the same alert removes.
	require.NotNil(t, alert.ScheduleChanges)
	assert.Equal(t, []model.StopChange{
		{AddedStopID: "s9", RelativeStopID: "s1", IsBefore: false},
		{RemovedStopID: "s2"},
	}, alert.ScheduleChanges.Route["r1"])
}

func TestClassifyScheduleChanges(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a9")).
		InformedTrip("fake1", "r1", "", gtfsproto.TripDescriptor_CANCELED).
		InformedTrip("0", "r1", "10:00", gtfsproto.TripDescriptor_SCHEDULED))

	assert.Equal(t, model.UseCaseScheduleChanges, alert.UseCase)
	assert.Equal(t, []string{"r1"}, alert.RelevantRouteIDs)
	assert.Equal(t, []string{"3"}, alert.RelevantAgencies)

	require.NotNil(t, alert.ScheduleChanges)
	times := alert.ScheduleChanges.Departure["r1"]
	require.NotNil(t, times)

	// The synthetic trip id resolves to its scheduled departure time.
	assert.Equal(t, []string{"08:30:00"}, times.Removed)
	assert.Equal(t, []string{"10:00"}, times.Added)
}

func TestClassifyStopTriggerScansAllEntities(t *testing.T) {
	// The stop selector triggers even when a non-stop entity comes
	// first in the list.
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a12")).
		InformedAgency("5").
		InformedStop("s2"))

	assert.Equal(t, model.UseCaseStopsCancelled, alert.UseCase)
	assert.Equal(t, []string{"s2"}, alert.RemovedStopIDs)
}

func TestClassifyRouteStopWinsOverStopOnly(t *testing.T) {
	// A route+stop entity anywhere in the list outranks stop-only
	// entities, and only the paired stops count as removals.
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a13")).
		InformedStop("s2").
		InformedRouteStop("r1", "s3"))

	assert.Equal(t, model.UseCaseRouteChangesSimple, alert.UseCase)
	assert.Equal(t, []string{"s3"}, alert.RemovedStopIDs)
	assert.Equal(t, []string{"r1"}, alert.RelevantRouteIDs)
}

func TestClassifyTripTriggerScansAllEntities(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a14")).
		InformedRoute("r3").
		InformedTrip("fake1", "r1", "", gtfsproto.TripDescriptor_CANCELED))

	assert.Equal(t, model.UseCaseScheduleChanges, alert.UseCase)
	assert.Equal(t, []string{"r1"}, alert.RelevantRouteIDs)
}

func TestClassifyRouteOnlyFoldsIntoAgency(t *testing.T) {
	alert := classifyOne(t, junePeriod(testutil.NewAlert("a10")).
		InformedRoute("r3"))

	assert.Equal(t, model.UseCaseAgency, alert.UseCase)
	assert.Equal(t, []string{"r3"}, alert.RelevantRouteIDs)
	assert.Equal(t, []string{"5"}, alert.RelevantAgencies)
}

func TestClassifyEnvelope(t *testing.T) {
	alert := classifyOne(t, testutil.NewAlert("a11").
		Period(localUnix(2024, time.June, 10, 8, 0), localUnix(2024, time.June, 10, 12, 0)).
		Period(localUnix(2024, time.June, 12, 8, 0), 0))

	assert.Equal(t,
		model.ParseLocalUnix(localUnix(2024, time.June, 10, 8, 0)),
		alert.FirstStartTime)
	assert.Equal(t, model.ParseLocalUnix(model.InfiniteEndTime), alert.LastEndTime)
}

func TestMergeActivePeriods(t *testing.T) {
	merged, firstStart, lastEnd := mergeActivePeriods([]model.ActivePeriod{
		{100, 200},
		{150, 300},
		{500, 600},
	})

	assert.Equal(t, []model.ActivePeriod{{100, 300}, {500, 600}}, merged)
	assert.Equal(t, int64(100), firstStart)
	assert.Equal(t, int64(600), lastEnd)
}

func TestMergeActivePeriodsOpenBounds(t *testing.T) {
	merged, firstStart, lastEnd := mergeActivePeriods([]model.ActivePeriod{
		{0, 200},
		{100, 0},
	})

	// The two periods overlap; an open bound wins on both sides.
	assert.Equal(t, []model.ActivePeriod{{0, 0}}, merged)
	assert.Equal(t, int64(0), firstStart)
	assert.Equal(t, model.InfiniteEndTime, lastEnd)
}

func TestMergeActivePeriodsEmpty(t *testing.T) {
	merged, firstStart, lastEnd := mergeActivePeriods(nil)

	assert.Empty(t, merged)
	assert.Equal(t, int64(0), firstStart)
	assert.Equal(t, model.InfiniteEndTime, lastEnd)
}
