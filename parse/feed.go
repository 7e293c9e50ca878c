// Package parse decodes the upstream service alerts feed: the binary
// realtime payload itself, the "Old-Aramaic" selector grammar hidden
// in description translations, and the feed filename date convention.
package parse

import (
	"fmt"
	"strings"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"opentransit.dev/alerts/model"
)

// OarLanguage is the pseudo language tag the producer abuses to smuggle
// machine readable selector payloads into description translations.
const OarLanguage = "oar"

// TripDescriptor is the trip reference of one informed entity.
type TripDescriptor struct {
	TripID               string
	RouteID              string
	StartTime            string
	ScheduleRelationship gtfsproto.TripDescriptor_ScheduleRelationship
}

// InformedEntity is one selector entry of a raw alert.
type InformedEntity struct {
	AgencyID string
	RouteID  string
	StopID   string
	Trip     *TripDescriptor
}

// RawAlert is one alert entity as decoded from the feed, before
// classification. OldAramaic holds the extracted oar translation;
// Description no longer contains it.
type RawAlert struct {
	ID            string
	Cause         string
	Effect        string
	ActivePeriods []model.ActivePeriod

	URL         model.TranslationSet
	Header      model.TranslationSet
	Description model.TranslationSet
	OldAramaic  string

	InformedEntities []InformedEntity

	// RawData is the entity re-serialized on its own, for replay.
	RawData []byte
}

// Alerts decodes a feed payload and returns its alert entities.
// Entities without an alert (trip updates, vehicle positions) are
// skipped.
func Alerts(data []byte) ([]*RawAlert, error) {
	f := &gtfsproto.FeedMessage{}
	if err := proto.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	alerts := []*RawAlert{}
	for _, entity := range f.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil {
			continue
		}

		rawData, err := proto.Marshal(entity)
		if err != nil {
			return nil, fmt.Errorf("re-serializing entity %s: %w", entity.GetId(), err)
		}

		ra := &RawAlert{
			ID:          entity.GetId(),
			Cause:       alert.GetCause().String(),
			Effect:      alert.GetEffect().String(),
			URL:         translations(alert.GetUrl()),
			Header:      translations(alert.GetHeaderText()),
			Description: translations(alert.GetDescriptionText()),
			RawData:     rawData,
		}

		for _, period := range alert.GetActivePeriod() {
			ra.ActivePeriods = append(ra.ActivePeriods, model.ActivePeriod{
				int64(period.GetStart()),
				int64(period.GetEnd()),
			})
		}

		if oar, ok := ra.Description[OarLanguage]; ok {
			ra.OldAramaic = oar
			delete(ra.Description, OarLanguage)
		}

		for _, ie := range alert.GetInformedEntity() {
			entity := InformedEntity{
				AgencyID: ie.GetAgencyId(),
				RouteID:  ie.GetRouteId(),
				StopID:   ie.GetStopId(),
			}
			if trip := ie.GetTrip(); trip != nil {
				entity.Trip = &TripDescriptor{
					TripID:               trip.GetTripId(),
					RouteID:              trip.GetRouteId(),
					StartTime:            trip.GetStartTime(),
					ScheduleRelationship: trip.GetScheduleRelationship(),
				}
			}
			ra.InformedEntities = append(ra.InformedEntities, entity)
		}

		alerts = append(alerts, ra)
	}

	return alerts, nil
}

func translations(ts *gtfsproto.TranslatedString) model.TranslationSet {
	set := model.TranslationSet{}
	for _, t := range ts.GetTranslation() {
		text := t.GetText()
		if text == "" {
			continue
		}
		set[t.GetLanguage()] = RepairUnicode(text)
	}
	return set
}

// The producer occasionally ships text with literal \uXXXX escape
// sequences instead of the characters themselves. Only the two
// sequences actually observed in the wild get decoded; anything else
// stays verbatim.
var unicodeRepairs = strings.NewReplacer(
	"\\u2013", "–",
	"\\u2019", "’",
)

// RepairUnicode decodes the whitelisted literal escape sequences.
func RepairUnicode(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	return unicodeRepairs.Replace(s)
}
