package parse

import (
	"testing"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"
)

func buildFeed(t *testing.T, entities ...*gtfsproto.FeedEntity) []byte {
	t.Helper()
	data, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: entities,
	})
	require.NoError(t, err)
	return data
}

func translated(pairs ...string) *gtfsproto.TranslatedString {
	ts := &gtfsproto.TranslatedString{}
	for i := 0; i+1 < len(pairs); i += 2 {
		ts.Translation = append(ts.Translation, &gtfsproto.TranslatedString_Translation{
			Language: proto.String(pairs[i]),
			Text:     proto.String(pairs[i+1]),
		})
	}
	return ts
}

func TestAlertsDecodesEntities(t *testing.T) {
	feed := buildFeed(t,
		&gtfsproto.FeedEntity{
			Id: proto.String("1"),
			Alert: &gtfsproto.Alert{
				ActivePeriod: []*gtfsproto.TimeRange{
					{Start: proto.Uint64(100), End: proto.Uint64(200)},
				},
				HeaderText: translated("he", "כותרת", "en", "Header"),
				InformedEntity: []*gtfsproto.EntitySelector{
					{AgencyId: proto.String("3")},
				},
			},
		},
		// Non-alert entities get skipped.
		&gtfsproto.FeedEntity{
			Id:         proto.String("2"),
			TripUpdate: &gtfsproto.TripUpdate{Trip: &gtfsproto.TripDescriptor{}},
		},
	)

	alerts, err := Alerts(feed)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "1", a.ID)
	assert.Equal(t, "כותרת", a.Header["he"])
	assert.Equal(t, "Header", a.Header["en"])
	require.Len(t, a.ActivePeriods, 1)
	assert.Equal(t, int64(100), a.ActivePeriods[0].Start())
	assert.Equal(t, int64(200), a.ActivePeriods[0].End())
	require.Len(t, a.InformedEntities, 1)
	assert.Equal(t, "3", a.InformedEntities[0].AgencyID)
	assert.NotEmpty(t, a.RawData)
}

func TestAlertsExtractsOldAramaic(t *testing.T) {
	feed := buildFeed(t, &gtfsproto.FeedEntity{
		Id: proto.String("1"),
		Alert: &gtfsproto.Alert{
			DescriptionText: translated(
				"he", "תיאור",
				"oar", "region=32.7,34.9:32.9,35.1;",
			),
		},
	})

	alerts, err := Alerts(feed)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	assert.Equal(t, "region=32.7,34.9:32.9,35.1;", alerts[0].OldAramaic)
	assert.Equal(t, "תיאור", alerts[0].Description["he"])
	assert.NotContains(t, alerts[0].Description, "oar")
}

func TestAlertsBadPayload(t *testing.T) {
	_, err := Alerts([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestRepairUnicode(t *testing.T) {
	assert.Equal(t, "a\u2013b", RepairUnicode(`a\u2013b`))
	assert.Equal(t, "it\u2019s", RepairUnicode(`it\u2019s`))

	// Only the two whitelisted sequences get decoded.
	assert.Equal(t, `x\u2014y`, RepairUnicode(`x\u2014y`))
	assert.Equal(t, "plain", RepairUnicode("plain"))
}
