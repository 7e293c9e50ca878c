package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
	"opentransit.dev/alerts/testutil"
)

func TestLineNumberForSorting(t *testing.T) {
	numeric := lineNumberForSorting("14")
	assert.Equal(t, 14, numeric.number)

	// The first all-digit whitespace token wins.
	mixed := lineNumberForSorting("קו 480 מהיר")
	assert.Equal(t, 480, mixed.number)

	none := lineNumberForSorting("אקספרס")
	assert.Equal(t, -1, none.number)

	assert.True(t, lineNumberForSorting("14").less(lineNumberForSorting("100")))
	assert.True(t, lineNumberForSorting("אקספרס").less(lineNumberForSorting("1")))
}

func TestEnrichAlerts(t *testing.T) {
	e := NewEnricher(testutil.Timetable(), nil)

	alert := &model.Alert{
		ID:               "a1",
		UseCase:          model.UseCaseStopsCancelled,
		FirstStartTime:   testDate(2024, time.June, 9, 8, 0),
		LastEndTime:      testDate(2024, time.June, 20, 20, 0),
		RemovedStopIDs:   []string{"s2", "s3"},
		RelevantRouteIDs: []string{"r1", "r2", "r3"},
		RelevantAgencies: []string{"3", "5"},
		ActivePeriods: model.ActivePeriods{Raw: []model.ActivePeriod{
			{localUnix(2024, time.June, 9, 8, 0), localUnix(2024, time.June, 20, 20, 0)},
		}},
	}

	enriched, metadata, err := e.EnrichAlerts(context.Background(), []*model.Alert{alert}, testNow())
	require.NoError(t, err)
	require.Len(t, enriched, 1)

	a := enriched[0]
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, []model.StopPair{
		{Code: "10002", Name: "שדרות בן גוריון"},
		{Code: "10003", Name: "מרכזית המפרץ"},
	}, a.RemovedStops)
	assert.Equal(t, map[string][]string{
		"3": {"42"},
		"5": {"7"},
	}, a.RelevantLines)

	// Agencies sorted by name.
	require.Len(t, a.RelevantAgencies, 2)
	assert.Equal(t, "אגד", a.RelevantAgencies[0].Name)
	assert.Equal(t, "דן", a.RelevantAgencies[1].Name)

	require.NotNil(t, a.FirstRelevantDate)
	assert.Equal(t, testDate(2024, time.June, 10, 0, 0), a.FirstRelevantDate.Time)
	require.NotNil(t, a.CurrentActivePeriodStart)

	assert.Contains(t, metadata.Stops, "s2")
	assert.Contains(t, metadata.Routes, "r3")
}

func TestStopPairsDeduplicates(t *testing.T) {
	stops := map[string]model.Stop{
		"s1": {Code: "100", Name: "תחנה"},
		"s2": {Code: "100", Name: "תחנה"},
		"s3": {Code: "50", Name: "אחרת"},
	}

	pairs := stopPairs([]string{"s1", "s2", "s3", "missing"}, stops)
	assert.Equal(t, []model.StopPair{
		{Code: "50", Name: "אחרת"},
		{Code: "100", Name: "תחנה"},
	}, pairs)
}

func TestSortAlerts(t *testing.T) {
	mk := func(id string, expired, deleted bool, distance *float64, start time.Time, national bool) *model.AlertForAPI {
		a := &model.AlertForAPI{
			ID:         id,
			IsExpired:  expired,
			IsDeleted:  deleted,
			Distance:   distance,
			IsNational: national,
		}
		a.CurrentActivePeriodStart = &model.LocalTime{Time: start}
		return a
	}
	d := func(v float64) *float64 { return &v }

	early := testDate(2024, time.June, 9, 0, 0)
	late := testDate(2024, time.June, 15, 0, 0)

	alerts := []*model.AlertForAPI{
		mk("expired", true, false, nil, early, false),
		mk("far", false, false, d(5000), early, false),
		mk("late", false, false, nil, late, false),
		mk("near", false, false, d(100), late, false),
		mk("soon", false, false, nil, early, false),
		mk("deleted", false, true, nil, early, false),
	}

	SortAlerts(alerts)

	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"near", "far", "soon", "late", "deleted", "expired"}, ids)
}

func TestSortAlertsNationalLastResort(t *testing.T) {
	start := testDate(2024, time.June, 9, 0, 0)

	national := &model.AlertForAPI{
		ID: "national", IsExpired: true, IsNational: true,
		CurrentActivePeriodStart: &model.LocalTime{Time: start},
	}
	regional := &model.AlertForAPI{
		ID: "regional", IsExpired: true,
		CurrentActivePeriodStart: &model.LocalTime{Time: start},
	}

	alerts := []*model.AlertForAPI{regional, national}
	SortAlerts(alerts)
	assert.Equal(t, "national", alerts[0].ID)
}
