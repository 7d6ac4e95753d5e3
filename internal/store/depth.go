package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// UpsertDepthRecords writes water depth rows keyed on (place, sensor_id, date).
func (s *Store) UpsertDepthRecords(ctx context.Context, records []models.DepthRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.inTx(ctx, `
		INSERT INTO sensor_water_depth (place, sensor_id, date, atm_pressure, sensor_pressure, sensor_water_depth, voltage, notes, qa_qc_flag, tag, atm_data_src, atm_station_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(place, sensor_id, date) DO UPDATE SET
			atm_pressure = excluded.atm_pressure,
			sensor_pressure = excluded.sensor_pressure,
			sensor_water_depth = excluded.sensor_water_depth,
			voltage = excluded.voltage,
			notes = excluded.notes,
			qa_qc_flag = excluded.qa_qc_flag,
			tag = excluded.tag,
			atm_data_src = excluded.atm_data_src,
			atm_station_id = excluded.atm_station_id
	`, len(records), func(i int) []any {
		r := records[i]
		return []any{r.Place, r.SensorID, r.Date.UTC(), r.AtmPressure, r.SensorPressure, r.SensorWaterDepth, r.Voltage,
			nullString(r.Notes), r.QAQCFlag, nullString(r.Tag), nullString(r.AtmDataSrc), nullString(r.AtmStationID)}
	})
	if err != nil {
		return 0, fmt.Errorf("upsert water depth: %w", err)
	}
	return n, nil
}

// DepthRecords returns depth rows with start <= date <= end, ordered by place, sensor and time.
func (s *Store) DepthRecords(ctx context.Context, start, end time.Time) ([]models.DepthRecord, error) {
	rows, err := s.query(ctx, `
		SELECT place, sensor_id, date, atm_pressure, sensor_pressure, sensor_water_depth, voltage, notes, qa_qc_flag, tag, atm_data_src, atm_station_id
		FROM sensor_water_depth
		WHERE date >= ? AND date <= ?
		ORDER BY place, sensor_id, date
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query water depth: %w", err)
	}
	defer rows.Close()

	var out []models.DepthRecord
	for rows.Next() {
		var r models.DepthRecord
		var voltage sql.NullFloat64
		var notes, tag, source, station sql.NullString
		if err := rows.Scan(&r.Place, &r.SensorID, &r.Date, &r.AtmPressure, &r.SensorPressure, &r.SensorWaterDepth,
			&voltage, &notes, &r.QAQCFlag, &tag, &source, &station); err != nil {
			return nil, err
		}
		r.Date = r.Date.UTC()
		r.Voltage = voltage.Float64
		r.Notes, r.Tag, r.AtmDataSrc, r.AtmStationID = notes.String, tag.String, source.String, station.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateQAQCFlags persists the rate-of-change flag of each record.
func (s *Store) UpdateQAQCFlags(ctx context.Context, records []models.DepthRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	return s.inTx(ctx, `
		UPDATE sensor_water_depth SET qa_qc_flag = ?
		WHERE place = ? AND sensor_id = ? AND date = ?
	`, len(records), func(i int) []any {
		r := records[i]
		return []any{r.QAQCFlag, r.Place, r.SensorID, r.Date.UTC()}
	})
}
