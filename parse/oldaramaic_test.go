package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
)

func TestRegion(t *testing.T) {
	points, err := Region("region=32.7,34.9:32.9,35.1;")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{
		{"32.7", "34.9"},
		{"32.9", "35.1"},
	}, points)
}

func TestRegionBadPoint(t *testing.T) {
	_, err := Region("region=32.7:32.9,35.1;")
	assert.Error(t, err)
}

func TestRouteChanges(t *testing.T) {
	changes, order, err := RouteChanges(
		"route_id=r1,add_stop_id=s9,after_stop_id=s1;" +
			"route_id=r2,add_stop_id=s8,before_stop_id=s4;" +
			"route_id=r1,add_stop_id=s7,before_stop_id=s2;")
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, order)
	assert.Equal(t, []model.StopChange{
		{AddedStopID: "s9", RelativeStopID: "s1", IsBefore: false},
		{AddedStopID: "s7", RelativeStopID: "s2", IsBefore: true},
	}, changes["r1"])
	assert.Equal(t, []model.StopChange{
		{AddedStopID: "s8", RelativeStopID: "s4", IsBefore: true},
	}, changes["r2"])
}

func TestRouteChangesSkipsEmptySegments(t *testing.T) {
	changes, order, err := RouteChanges("route_id=r1,add_stop_id=s9,after_stop_id=s1;;")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, order)
	assert.Len(t, changes["r1"], 1)
}

func TestRouteChangesMissingRequiredKeys(t *testing.T) {
	_, _, err := RouteChanges("add_stop_id=s9,after_stop_id=s1;")
	assert.Error(t, err)

	_, _, err = RouteChanges("route_id=r1,after_stop_id=s1;")
	assert.Error(t, err)

	_, _, err = RouteChanges("route_id=r1,add_stop_id;")
	assert.Error(t, err)
}
