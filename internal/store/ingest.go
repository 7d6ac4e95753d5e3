package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun records a single atmospheric pressure fetch for auditing.
type IngestRun struct {
	ID                int64
	RunID             sql.NullString // batch run that triggered the fetch
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "NOAA", "NWS", "ISU", "FIMAN"
	Endpoint          string
	StationID         sql.NullString
	RangeBegin        sql.NullTime
	RangeEnd          sql.NullTime
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	Outcome           sql.NullString
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, runID, source, endpoint, stationID string, begin, end time.Time) (*IngestRun, error) {
	run := &IngestRun{
		RunID:      nullString(runID),
		StartedAt:  time.Now().UTC(),
		Source:     source,
		Endpoint:   endpoint,
		StationID:  nullString(stationID),
		RangeBegin: sql.NullTime{Time: begin.UTC(), Valid: !begin.IsZero()},
		RangeEnd:   sql.NullTime{Time: end.UTC(), Valid: !end.IsZero()},
	}

	err := s.queryRow(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, source, endpoint, station_id, range_begin, range_end, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
		RETURNING id
	`, run.RunID, run.StartedAt, run.Source, run.Endpoint, run.StationID, run.RangeBegin, run.RangeEnd).Scan(&run.ID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.exec(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			outcome = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.Outcome, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary aggregates fetches per source and endpoint.
type IngestHealthSummary struct {
	Source       string
	Endpoint     string
	TotalRuns    int
	SuccessRuns  int
	FailedRuns   int
	TotalRecords int64
}

// GetIngestHealth returns ingest health summaries for fetches started after since.
func (s *Store) GetIngestHealth(ctx context.Context, since time.Time) ([]IngestHealthSummary, error) {
	rows, err := s.query(ctx, `
		SELECT
			source,
			endpoint,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_parsed), 0) as total_records
		FROM ingest_runs
		WHERE started_at > ?
		GROUP BY source, endpoint
		ORDER BY source, endpoint
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Source, &h.Endpoint, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns, &h.TotalRecords); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, started_at, finished_at, source, endpoint, station_id, range_begin, range_end,
			   http_status, response_size_bytes, records_parsed, outcome, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.StationID, &r.RangeBegin, &r.RangeEnd, &r.HTTPStatus, &r.ResponseSizeBytes,
			&r.RecordsParsed, &r.Outcome, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
