package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// RawPayload is a stored atmospheric API response.
type RawPayload struct {
	ID                int64
	IngestRunID       sql.NullInt64
	FetchedAt         time.Time
	Source            string
	Endpoint          string
	StationID         sql.NullString
	PayloadCompressed []byte
	PayloadHash       string
	SchemaVersion     int
}

// StoreRawPayload gzips and stores an API response body.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, runID int64, source, endpoint, stationID string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO raw_payloads
		(ingest_run_id, fetched_at, source, endpoint, station_id, payload_compressed, payload_hash, schema_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(payload_hash) DO NOTHING
		RETURNING id
	`, sql.NullInt64{Int64: runID, Valid: runID > 0}, time.Now().UTC(), source, endpoint, nullString(stationID),
		buf.Bytes(), hex.EncodeToString(hash[:])).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	return id, nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.queryRow(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldRawPayloads deletes raw payloads fetched before cutoff.
// Returns the number of deleted records.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
