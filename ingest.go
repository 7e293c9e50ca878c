package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opentransit.dev/alerts/parse"
	"opentransit.dev/alerts/storage"
)

// Ingester runs one feed snapshot through classification and into the
// alert store.
type Ingester struct {
	Classifier *Classifier
	Alerts     storage.AlertStore
	Log        *slog.Logger
}

func NewIngester(classifier *Classifier, alerts storage.AlertStore, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{Classifier: classifier, Alerts: alerts, Log: log}
}

// IngestStats summarizes one snapshot ingestion.
type IngestStats struct {
	Parsed    int
	Stored    int
	Skipped   int
	Deleted   int64
	ByUseCase map[string]int
}

// IngestFeed parses a feed payload, classifies and upserts every alert
// in it, and stamps alerts absent from the snapshot as deleted. An
// alert that fails classification is logged and skipped so it gets
// retried on the next snapshot; only feed level failures abort the run.
// now is the snapshot's timestamp, which differs from wall clock time
// when replaying archived feeds.
func (in *Ingester) IngestFeed(ctx context.Context, data []byte, now time.Time) (*IngestStats, error) {
	rawAlerts, err := parse.Alerts(data)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	stats := &IngestStats{
		Parsed:    len(rawAlerts),
		ByUseCase: map[string]int{},
	}

	seenIDs := make([]string, 0, len(rawAlerts))
	for _, raw := range rawAlerts {
		alert, err := in.Classifier.Classify(ctx, raw)
		if err != nil {
			in.Log.Warn("skipping alert", "id", raw.ID, "error", err)
			stats.Skipped++
			continue
		}

		if err := in.Alerts.UpsertAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("upserting alert %s: %w", alert.ID, err)
		}

		seenIDs = append(seenIDs, alert.ID)
		stats.Stored++
		stats.ByUseCase[alert.UseCase.String()]++
	}

	deleted, err := in.Alerts.MarkDeletedExcept(ctx, seenIDs, now)
	if err != nil {
		return nil, fmt.Errorf("marking deleted alerts: %w", err)
	}
	stats.Deleted = deleted

	in.Log.Info("ingested feed snapshot",
		"parsed", stats.Parsed,
		"stored", stats.Stored,
		"skipped", stats.Skipped,
		"newly_deleted", stats.Deleted)
	return stats, nil
}
