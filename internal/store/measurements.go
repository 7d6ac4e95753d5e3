package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// InsertRawMeasurements stores raw sensor readings. Existing rows keep their processed
// state; the reading itself is refreshed.
func (s *Store) InsertRawMeasurements(ctx context.Context, ms []models.RawMeasurement) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}
	return s.inTx(ctx, `
		INSERT INTO sensor_data (place, sensor_id, date, pressure, voltage, notes, atm_station_id, atm_data_src, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(place, sensor_id, date) DO UPDATE SET
			pressure = excluded.pressure,
			voltage = excluded.voltage,
			notes = excluded.notes,
			atm_station_id = excluded.atm_station_id,
			atm_data_src = excluded.atm_data_src
	`, len(ms), func(i int) []any {
		m := ms[i]
		return []any{m.Place, m.SensorID, m.Date.UTC(), m.Pressure, m.Voltage,
			nullString(m.Notes), nullString(m.AtmStationID), nullString(m.AtmSource), m.Processed}
	})
}

// UnprocessedMeasurements returns raw readings not yet converted to depth whose pressure is
// above floor, ordered by place, sensor and time.
func (s *Store) UnprocessedMeasurements(ctx context.Context, floor float64) ([]models.RawMeasurement, error) {
	rows, err := s.query(ctx, `
		SELECT place, sensor_id, date, pressure, voltage, notes, atm_station_id, atm_data_src, processed
		FROM sensor_data
		WHERE processed = FALSE AND pressure > ?
		ORDER BY place, sensor_id, date
	`, floor)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer rows.Close()

	var out []models.RawMeasurement
	for rows.Next() {
		var m models.RawMeasurement
		var voltage sql.NullFloat64
		var notes, station, source sql.NullString
		if err := rows.Scan(&m.Place, &m.SensorID, &m.Date, &m.Pressure, &voltage, &notes, &station, &source, &m.Processed); err != nil {
			return nil, err
		}
		m.Date = m.Date.UTC()
		m.Voltage = voltage.Float64
		m.Notes = notes.String
		m.AtmStationID = station.String
		m.AtmSource = source.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkProcessed flags the raw readings with the given keys as consumed.
func (s *Store) MarkProcessed(ctx context.Context, keys []models.RecordKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.inTx(ctx, `
		UPDATE sensor_data SET processed = TRUE
		WHERE place = ? AND sensor_id = ? AND date = ?
	`, len(keys), func(i int) []any {
		k := keys[i]
		return []any{k.Place, k.SensorID, k.Date.UTC()}
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
