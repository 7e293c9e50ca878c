package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"opentransit.dev/alerts/model"
)

// PSQLAlertStore persists normalized alerts in Postgres. The alert
// table holds the record itself; the per-kind relations live in
// junction tables so the query server can filter on them, and the
// alerts_with_related view folds everything back together with the
// computed is_deleted and is_expired flags.
type PSQLAlertStore struct {
	db *sql.DB
}

// NewPSQLAlertStore connects to the alerts database and creates the
// schema if it isn't there yet.
func NewPSQLAlertStore(connStr string) (*PSQLAlertStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	s := &PSQLAlertStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *PSQLAlertStore) createTables() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS alert (
    id VARCHAR PRIMARY KEY,
    first_start_time TIMESTAMPTZ NOT NULL,
    last_end_time TIMESTAMPTZ NOT NULL,
    raw_data BYTEA NOT NULL,
    use_case INTEGER NOT NULL,
    original_selector JSON NOT NULL,
    cause VARCHAR NOT NULL,
    effect VARCHAR NOT NULL,
    url JSON NOT NULL,
    header JSON NOT NULL,
    description JSON NOT NULL,
    active_periods JSON NOT NULL,
    schedule_changes JSON,
    is_national BOOLEAN NOT NULL DEFAULT FALSE,
    deletion_tstz TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS alert_agency (
    alert_id VARCHAR NOT NULL REFERENCES alert (id),
    agency_id VARCHAR NOT NULL,
    PRIMARY KEY (alert_id, agency_id)
);

CREATE TABLE IF NOT EXISTS alert_route (
    alert_id VARCHAR NOT NULL REFERENCES alert (id),
    route_id VARCHAR NOT NULL,
    PRIMARY KEY (alert_id, route_id)
);

CREATE TABLE IF NOT EXISTS alert_stop (
    alert_id VARCHAR NOT NULL REFERENCES alert (id),
    stop_id VARCHAR NOT NULL,
    is_added BOOLEAN NOT NULL DEFAULT FALSE,
    is_removed BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (alert_id, stop_id)
);

CREATE OR REPLACE VIEW alerts_with_related AS
SELECT
    alert.*,
    COALESCE(agencies.ids, '{}') AS relevant_agencies,
    COALESCE(routes.ids, '{}') AS relevant_route_ids,
    COALESCE(added.ids, '{}') AS added_stop_ids,
    COALESCE(removed.ids, '{}') AS removed_stop_ids,
    alert.deletion_tstz IS NOT NULL AS is_deleted,
    alert.last_end_time < NOW() AS is_expired
FROM alert
LEFT JOIN (
    SELECT alert_id, array_agg(agency_id ORDER BY agency_id) AS ids
    FROM alert_agency GROUP BY alert_id
) agencies ON agencies.alert_id = alert.id
LEFT JOIN (
    SELECT alert_id, array_agg(route_id ORDER BY route_id) AS ids
    FROM alert_route GROUP BY alert_id
) routes ON routes.alert_id = alert.id
LEFT JOIN (
    SELECT alert_id, array_agg(stop_id ORDER BY stop_id) AS ids
    FROM alert_stop WHERE is_added GROUP BY alert_id
) added ON added.alert_id = alert.id
LEFT JOIN (
    SELECT alert_id, array_agg(stop_id ORDER BY stop_id) AS ids
    FROM alert_stop WHERE is_removed GROUP BY alert_id
) removed ON removed.alert_id = alert.id;
`)
	if err != nil {
		return fmt.Errorf("creating alert tables: %w", err)
	}
	return nil
}

func (s *PSQLAlertStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLAlertStore) UpsertAlert(ctx context.Context, alert *model.Alert) error {
	selector, err := json.Marshal(alert.OriginalSelector)
	if err != nil {
		return fmt.Errorf("marshaling selector: %w", err)
	}
	url, err := json.Marshal(alert.URL)
	if err != nil {
		return fmt.Errorf("marshaling url: %w", err)
	}
	header, err := json.Marshal(alert.Header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	description, err := json.Marshal(alert.Description)
	if err != nil {
		return fmt.Errorf("marshaling description: %w", err)
	}
	periods, err := json.Marshal(alert.ActivePeriods)
	if err != nil {
		return fmt.Errorf("marshaling active periods: %w", err)
	}
	var changes interface{}
	if alert.ScheduleChanges != nil {
		changes, err = json.Marshal(alert.ScheduleChanges)
		if err != nil {
			return fmt.Errorf("marshaling schedule changes: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The deletion stamp survives re-ingest: an alert that came back
	// without the feed having resurrected it keeps its earliest stamp,
	// while an explicitly live alert clears it.
	_, err = tx.ExecContext(ctx, `
INSERT INTO alert (
    id, first_start_time, last_end_time, raw_data,
    use_case, original_selector, cause, effect,
    url, header, description,
    active_periods, schedule_changes, is_national, deletion_tstz
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
    first_start_time = EXCLUDED.first_start_time,
    last_end_time = EXCLUDED.last_end_time,
    raw_data = EXCLUDED.raw_data,
    use_case = EXCLUDED.use_case,
    original_selector = EXCLUDED.original_selector,
    cause = EXCLUDED.cause,
    effect = EXCLUDED.effect,
    url = EXCLUDED.url,
    header = EXCLUDED.header,
    description = EXCLUDED.description,
    active_periods = EXCLUDED.active_periods,
    schedule_changes = EXCLUDED.schedule_changes,
    is_national = EXCLUDED.is_national,
    deletion_tstz = CASE
        WHEN EXCLUDED.deletion_tstz IS NULL THEN NULL
        ELSE LEAST(EXCLUDED.deletion_tstz, alert.deletion_tstz)
    END`,
		alert.ID,
		alert.FirstStartTime,
		alert.LastEndTime,
		alert.RawData,
		int(alert.UseCase),
		selector,
		alert.Cause,
		alert.Effect,
		url,
		header,
		description,
		periods,
		changes,
		alert.IsNational,
		alert.DeletionTstz,
	)
	if err != nil {
		return fmt.Errorf("upserting alert %s: %w", alert.ID, err)
	}

	if err := replaceRelation(ctx, tx, "alert_agency", "agency_id", alert.ID, alert.RelevantAgencies); err != nil {
		return err
	}
	if err := replaceRelation(ctx, tx, "alert_route", "route_id", alert.ID, alert.RelevantRouteIDs); err != nil {
		return err
	}
	if err := replaceStops(ctx, tx, alert.ID, alert.AddedStopIDs, alert.RemovedStopIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing alert %s: %w", alert.ID, err)
	}
	return nil
}

func replaceRelation(ctx context.Context, tx *sql.Tx, table, column, alertID string, ids []string) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE alert_id = $1 AND %s <> ALL($2::varchar[])`, table, column),
		alertID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("pruning %s: %w", table, err)
	}

	if len(ids) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (alert_id, %s) SELECT $1, unnest($2::varchar[]) ON CONFLICT DO NOTHING`, table, column),
		alertID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("inserting %s: %w", table, err)
	}
	return nil
}

func replaceStops(ctx context.Context, tx *sql.Tx, alertID string, added, removed []string) error {
	all := make([]string, 0, len(added)+len(removed))
	all = append(all, added...)
	all = append(all, removed...)

	_, err := tx.ExecContext(ctx,
		`DELETE FROM alert_stop WHERE alert_id = $1 AND stop_id <> ALL($2::varchar[])`,
		alertID, pq.Array(all))
	if err != nil {
		return fmt.Errorf("pruning alert_stop: %w", err)
	}

	insert := func(ids []string, isAdded bool) error {
		if len(ids) == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO alert_stop (alert_id, stop_id, is_added, is_removed)
SELECT $1, unnest($2::varchar[]), $3, $4
ON CONFLICT (alert_id, stop_id) DO UPDATE SET
    is_added = alert_stop.is_added OR EXCLUDED.is_added,
    is_removed = alert_stop.is_removed OR EXCLUDED.is_removed`,
			alertID, pq.Array(ids), isAdded, !isAdded)
		if err != nil {
			return fmt.Errorf("inserting alert_stop: %w", err)
		}
		return nil
	}

	if err := insert(added, true); err != nil {
		return err
	}
	return insert(removed, false)
}

func (s *PSQLAlertStore) MarkDeletedExcept(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE alert SET deletion_tstz = $1
WHERE deletion_tstz IS NULL AND id <> ALL($2::varchar[])`,
		now, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("marking deleted alerts: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted alerts: %w", err)
	}
	return n, nil
}

const alertColumns = `
    id, first_start_time, last_end_time, raw_data,
    use_case, original_selector, cause, effect,
    url, header, description,
    active_periods, schedule_changes, is_national, deletion_tstz,
    relevant_agencies, relevant_route_ids, added_stop_ids, removed_stop_ids,
    is_deleted, is_expired`

func (s *PSQLAlertStore) ListAlerts(ctx context.Context) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts_with_related
WHERE NOT (is_deleted AND is_expired)
ORDER BY last_end_time DESC, first_start_time DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

func (s *PSQLAlertStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts_with_related
WHERE id = $1`,
		id)
	if err != nil {
		return nil, fmt.Errorf("querying alert %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}

	return scanAlert(rows)
}

func scanAlert(rows *sql.Rows) (*model.Alert, error) {
	alert := &model.Alert{}
	var useCase int
	var selector, url, header, description, periods []byte
	var changes []byte

	err := rows.Scan(
		&alert.ID,
		&alert.FirstStartTime,
		&alert.LastEndTime,
		&alert.RawData,
		&useCase,
		&selector,
		&alert.Cause,
		&alert.Effect,
		&url,
		&header,
		&description,
		&periods,
		&changes,
		&alert.IsNational,
		&alert.DeletionTstz,
		pq.Array(&alert.RelevantAgencies),
		pq.Array(&alert.RelevantRouteIDs),
		pq.Array(&alert.AddedStopIDs),
		pq.Array(&alert.RemovedStopIDs),
		&alert.IsDeleted,
		&alert.IsExpired,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning alert: %w", err)
	}

	alert.UseCase = model.UseCase(useCase)
	if err := json.Unmarshal(selector, &alert.OriginalSelector); err != nil {
		return nil, fmt.Errorf("unmarshaling selector of %s: %w", alert.ID, err)
	}
	if err := json.Unmarshal(url, &alert.URL); err != nil {
		return nil, fmt.Errorf("unmarshaling url of %s: %w", alert.ID, err)
	}
	if err := json.Unmarshal(header, &alert.Header); err != nil {
		return nil, fmt.Errorf("unmarshaling header of %s: %w", alert.ID, err)
	}
	if err := json.Unmarshal(description, &alert.Description); err != nil {
		return nil, fmt.Errorf("unmarshaling description of %s: %w", alert.ID, err)
	}
	if err := json.Unmarshal(periods, &alert.ActivePeriods); err != nil {
		return nil, fmt.Errorf("unmarshaling active periods of %s: %w", alert.ID, err)
	}
	alert.ScheduleChanges, err = model.UnmarshalScheduleChanges(alert.UseCase, changes)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling schedule changes of %s: %w", alert.ID, err)
	}

	alert.FirstStartTime = alert.FirstStartTime.In(model.Jerusalem)
	alert.LastEndTime = alert.LastEndTime.In(model.Jerusalem)
	if alert.DeletionTstz != nil {
		t := alert.DeletionTstz.In(model.Jerusalem)
		alert.DeletionTstz = &t
	}

	return alert, nil
}
