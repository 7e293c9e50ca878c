package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
)

// Tests run against the in-memory implementations, which mirror the
// Postgres stores' semantics.

func testNow() time.Time {
	return time.Date(2024, time.June, 10, 12, 0, 0, 0, model.Jerusalem)
}

func testDate(day, hour int) time.Time {
	return time.Date(2024, time.June, day, hour, 0, 0, 0, model.Jerusalem)
}

// localUnix renders a local Jerusalem midnight in the feed's local
// unix convention.
func localUnix(year int, month time.Month, day int) int64 {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix()
}

func newAlert(id string, start, end time.Time) *model.Alert {
	return &model.Alert{
		ID:             id,
		UseCase:        model.UseCaseNational,
		FirstStartTime: start,
		LastEndTime:    end,
	}
}

func TestMemoryAlertsUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	first := newAlert("a1", testDate(10, 0), testDate(12, 0))
	first.RemovedStopIDs = []string{"s1"}
	require.NoError(t, store.UpsertAlert(ctx, first))

	second := newAlert("a1", testDate(10, 0), testDate(14, 0))
	second.UseCase = model.UseCaseStopsCancelled
	second.RemovedStopIDs = []string{"s1", "s2"}
	require.NoError(t, store.UpsertAlert(ctx, second))

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.UseCaseStopsCancelled, got.UseCase)
	assert.Equal(t, []string{"s1", "s2"}, got.RemovedStopIDs)
	assert.Equal(t, testDate(14, 0), got.LastEndTime)
}

func TestMemoryAlertsUpsertKeepsEarliestDeletion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	early := testDate(10, 6)
	late := testDate(10, 9)

	first := newAlert("a1", testDate(10, 0), testDate(12, 0))
	first.DeletionTstz = &early
	require.NoError(t, store.UpsertAlert(ctx, first))

	second := newAlert("a1", testDate(10, 0), testDate(12, 0))
	second.DeletionTstz = &late
	require.NoError(t, store.UpsertAlert(ctx, second))

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletionTstz)
	assert.Equal(t, early, *got.DeletionTstz)

	// An undeleted upsert resets the stamp.
	require.NoError(t, store.UpsertAlert(ctx, newAlert("a1", testDate(10, 0), testDate(12, 0))))
	got, err = store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got.DeletionTstz)
}

func TestMemoryAlertsMarkDeletedExcept(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	require.NoError(t, store.UpsertAlert(ctx, newAlert("a1", testDate(10, 0), testDate(12, 0))))
	require.NoError(t, store.UpsertAlert(ctx, newAlert("a2", testDate(10, 0), testDate(12, 0))))

	n, err := store.MarkDeletedExcept(ctx, []string{"a1"}, testNow())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := store.GetAlert(ctx, "a2")
	require.NoError(t, err)
	require.NotNil(t, gone.DeletionTstz)
	assert.True(t, gone.IsDeleted)

	// Already stamped alerts keep their original stamp.
	n, err = store.MarkDeletedExcept(ctx, []string{"a1"}, testNow().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	again, err := store.GetAlert(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, testNow(), *again.DeletionTstz)
}

func TestMemoryAlertsMarkDeletedExceptEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	require.NoError(t, store.UpsertAlert(ctx, newAlert("a1", testDate(10, 0), testDate(12, 0))))

	n, err := store.MarkDeletedExcept(ctx, nil, testNow())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, got.DeletionTstz)
}

func TestMemoryAlertsListFiltersDeletedAndExpired(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	// Active, expired-but-not-deleted, deleted-but-not-expired, both.
	require.NoError(t, store.UpsertAlert(ctx, newAlert("active", testDate(10, 0), testDate(12, 0))))
	require.NoError(t, store.UpsertAlert(ctx, newAlert("expired", testDate(1, 0), testDate(2, 0))))

	deleted := newAlert("deleted", testDate(10, 0), testDate(12, 0))
	stamp := testDate(10, 6)
	deleted.DeletionTstz = &stamp
	require.NoError(t, store.UpsertAlert(ctx, deleted))

	both := newAlert("both", testDate(1, 0), testDate(2, 0))
	both.DeletionTstz = &stamp
	require.NoError(t, store.UpsertAlert(ctx, both))

	listed, err := store.ListAlerts(ctx)
	require.NoError(t, err)

	ids := make([]string, len(listed))
	for i, a := range listed {
		ids[i] = a.ID
	}
	assert.NotContains(t, ids, "both")
	assert.ElementsMatch(t, []string{"active", "expired", "deleted"}, ids)

	for _, a := range listed {
		switch a.ID {
		case "expired":
			assert.True(t, a.IsExpired)
			assert.False(t, a.IsDeleted)
		case "deleted":
			assert.True(t, a.IsDeleted)
			assert.False(t, a.IsExpired)
		case "active":
			assert.False(t, a.IsDeleted)
			assert.False(t, a.IsExpired)
		}
	}
}

func TestMemoryAlertsListSortsByEndThenStart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	require.NoError(t, store.UpsertAlert(ctx, newAlert("a", testDate(10, 0), testDate(12, 0))))
	require.NoError(t, store.UpsertAlert(ctx, newAlert("b", testDate(10, 0), testDate(14, 0))))
	require.NoError(t, store.UpsertAlert(ctx, newAlert("c", testDate(11, 0), testDate(14, 0))))

	listed, err := store.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "c", listed[0].ID)
	assert.Equal(t, "b", listed[1].ID)
	assert.Equal(t, "a", listed[2].ID)
}

func TestMemoryAlertsGetUnknown(t *testing.T) {
	store := storage.NewMemoryAlerts()
	_, err := store.GetAlert(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func newTimetable() *storage.MemoryTimetable {
	m := storage.NewMemoryTimetable()
	m.Agencies["3"] = model.Agency{ID: "3", Name: "אגד"}
	m.Routes["r1"] = model.Route{ID: "r1", AgencyID: "3", ShortName: "42"}
	m.Routes["r2"] = model.Route{ID: "r2", AgencyID: "3", ShortName: "42"}
	m.Stops["s1"] = model.Stop{ID: "s1", Lat: 32.78, Lon: 34.99, Name: "אחת", Code: "10001"}
	m.Stops["s2"] = model.Stop{ID: "s2", Lat: 32.80, Lon: 35.01, Name: "שתיים", Code: "10002"}
	m.Stops["s3"] = model.Stop{ID: "s3", Lat: 31.50, Lon: 34.50, Name: "שלוש", Code: "10003"}
	return m
}

func memTrip(id, routeID string, start, end time.Time, days []time.Weekday, calls ...storage.MemoryStopCall) *storage.MemoryTrip {
	dayMask := map[time.Weekday]bool{}
	for _, d := range days {
		dayMask[d] = true
	}
	return &storage.MemoryTrip{
		TripID:        id,
		RouteID:       routeID,
		StopCalls:     calls,
		CalendarStart: start,
		CalendarEnd:   end,
		Days:          dayMask,
	}
}

func TestMemoryTimetableStopsByPolygon(t *testing.T) {
	m := newTimetable()

	stopIDs, err := m.StopsByPolygon(context.Background(), [][2]string{
		{"32.7", "34.9"}, {"32.7", "35.1"}, {"32.9", "35.1"}, {"32.9", "34.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, stopIDs)
}

func TestMemoryTimetableRouteIDsAtStopsInDateranges(t *testing.T) {
	m := newTimetable()
	m.Trips["t1"] = memTrip("t1", "r1",
		testDate(1, 0), testDate(30, 0), nil,
		storage.MemoryStopCall{StopID: "s1", Arrival: 8 * time.Hour})
	m.Trips["t2"] = memTrip("t2", "r2",
		testDate(1, 0), testDate(30, 0), nil,
		storage.MemoryStopCall{StopID: "s3", Arrival: 8 * time.Hour})

	routeIDs, err := m.RouteIDsAtStopsInDateranges(context.Background(), []string{"s1"}, []model.ActivePeriod{
		{localUnix(2024, time.June, 10), localUnix(2024, time.June, 12)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, routeIDs)

	// Periods entirely outside the calendar match nothing.
	routeIDs, err = m.RouteIDsAtStopsInDateranges(context.Background(), []string{"s1"}, []model.ActivePeriod{
		{localUnix(2023, time.June, 1), localUnix(2023, time.June, 2)},
	})
	require.NoError(t, err)
	assert.Empty(t, routeIDs)
}

func TestMemoryTimetableRepresentativeTripID(t *testing.T) {
	m := newTimetable()

	// t1's calendar contains the date; t2's ended before it.
	m.Trips["t1"] = memTrip("t1", "r1", testDate(1, 0), testDate(30, 0), nil)
	m.Trips["t2"] = memTrip("t2", "r1",
		testDate(1, 0).AddDate(0, -2, 0), testDate(1, 0).AddDate(0, -1, 0), nil)

	tripID, err := m.RepresentativeTripID(context.Background(), "r1", testDate(10, 0))
	require.NoError(t, err)
	assert.Equal(t, "t1", tripID)

	// With no containing calendar, the nearest started one wins.
	tripID, err = m.RepresentativeTripID(context.Background(), "r1", testDate(1, 0).AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, "t1", tripID)

	_, err = m.RepresentativeTripID(context.Background(), "r9", testDate(10, 0))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
