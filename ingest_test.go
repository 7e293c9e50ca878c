package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/storage"
	"opentransit.dev/alerts/testutil"
)

func newTestIngester(alertStore storage.AlertStore) *Ingester {
	return NewIngester(&Classifier{Timetable: testutil.Timetable()}, alertStore, nil)
}

func TestIngestFeed(t *testing.T) {
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	feed := testutil.BuildFeed(t,
		junePeriod(testutil.NewAlert("a1")).InformedAgency("3").Entity(),
		junePeriod(testutil.NewAlert("a2")).InformedStop("s2").Entity(),
	)

	stats, err := newTestIngester(store).IngestFeed(context.Background(), feed, testNow())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 2, stats.Stored)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, int64(0), stats.Deleted)
	assert.Equal(t, 1, stats.ByUseCase["AGENCY"])
	assert.Equal(t, 1, stats.ByUseCase["STOPS_CANCELLED"])

	got, err := store.GetAlert(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, model.UseCaseStopsCancelled, got.UseCase)
	assert.Equal(t, []string{"s2"}, got.RemovedStopIDs)
}

func TestIngestFeedMarksMissingAlertsDeleted(t *testing.T) {
	store := storage.NewMemoryAlerts()
	store.Now = testNow
	ingester := newTestIngester(store)

	first := testutil.BuildFeed(t,
		junePeriod(testutil.NewAlert("a1")).InformedAgency("3").Entity(),
		junePeriod(testutil.NewAlert("a2")).InformedAgency("5").Entity(),
	)
	_, err := ingester.IngestFeed(context.Background(), first, testNow())
	require.NoError(t, err)

	second := testutil.BuildFeed(t,
		junePeriod(testutil.NewAlert("a1")).InformedAgency("3").Entity(),
	)
	stats, err := ingester.IngestFeed(context.Background(), second, testNow().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Deleted)

	gone, err := store.GetAlert(context.Background(), "a2")
	require.NoError(t, err)
	require.NotNil(t, gone.DeletionTstz)
	assert.Equal(t, testNow().Add(time.Hour), *gone.DeletionTstz)

	kept, err := store.GetAlert(context.Background(), "a1")
	require.NoError(t, err)
	assert.Nil(t, kept.DeletionTstz)
}

func TestIngestFeedSkipsMalformedAlert(t *testing.T) {
	store := storage.NewMemoryAlerts()
	store.Now = testNow

	feed := testutil.BuildFeed(t,
		// Broken selector payload: fails classification.
		junePeriod(testutil.NewAlert("bad")).
			InformedRouteStop("r1", "s2").
			OldAramaic("route_id=r1,add_stop_id;").
			Entity(),
		junePeriod(testutil.NewAlert("good")).InformedAgency("3").Entity(),
	)

	stats, err := newTestIngester(store).IngestFeed(context.Background(), feed, testNow())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 1, stats.Skipped)

	_, err = store.GetAlert(context.Background(), "bad")
	assert.Error(t, err)
}

func TestIngestFeedBadPayload(t *testing.T) {
	store := storage.NewMemoryAlerts()
	_, err := newTestIngester(store).IngestFeed(context.Background(), []byte("not a feed"), testNow())
	assert.Error(t, err)
}
