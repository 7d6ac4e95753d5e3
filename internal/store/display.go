package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// UpsertCorrectedRecords writes drift-corrected rows to the display table.
func (s *Store) UpsertCorrectedRecords(ctx context.Context, records []models.CorrectedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	n, err := s.inTx(ctx, `
		INSERT INTO data_for_display (place, sensor_id, date, voltage, sensor_water_depth, qa_qc_flag, date_surveyed,
			sensor_elevation, road_elevation, lat, lng, alert_threshold, smoothed_min_water_depth,
			sensor_water_level, road_water_level, sensor_water_level_adj, road_water_level_adj)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(place, sensor_id, date) DO UPDATE SET
			voltage = excluded.voltage,
			sensor_water_depth = excluded.sensor_water_depth,
			qa_qc_flag = excluded.qa_qc_flag,
			date_surveyed = excluded.date_surveyed,
			sensor_elevation = excluded.sensor_elevation,
			road_elevation = excluded.road_elevation,
			lat = excluded.lat,
			lng = excluded.lng,
			alert_threshold = excluded.alert_threshold,
			smoothed_min_water_depth = excluded.smoothed_min_water_depth,
			sensor_water_level = excluded.sensor_water_level,
			road_water_level = excluded.road_water_level,
			sensor_water_level_adj = excluded.sensor_water_level_adj,
			road_water_level_adj = excluded.road_water_level_adj
	`, len(records), func(i int) []any {
		r := records[i]
		return []any{r.Place, r.SensorID, r.Date.UTC(), r.Voltage, r.SensorWaterDepth, r.QAQCFlag, r.DateSurveyed.UTC(),
			r.SensorElevation, r.RoadElevation, r.Lat, r.Lng, r.AlertThreshold, r.SmoothedMinWaterDepth,
			r.SensorWaterLevel, r.RoadWaterLevel, r.SensorWaterLevelAdj, r.RoadWaterLevelAdj}
	})
	if err != nil {
		return 0, fmt.Errorf("upsert display rows: %w", err)
	}
	return n, nil
}

// CorrectedRecords returns display rows with start <= date <= end.
func (s *Store) CorrectedRecords(ctx context.Context, start, end time.Time) ([]models.CorrectedRecord, error) {
	rows, err := s.query(ctx, `
		SELECT place, sensor_id, date, voltage, sensor_water_depth, qa_qc_flag, date_surveyed,
			sensor_elevation, road_elevation, lat, lng, alert_threshold, smoothed_min_water_depth,
			sensor_water_level, road_water_level, sensor_water_level_adj, road_water_level_adj
		FROM data_for_display
		WHERE date >= ? AND date <= ?
		ORDER BY place, sensor_id, date
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query display rows: %w", err)
	}
	defer rows.Close()

	var out []models.CorrectedRecord
	for rows.Next() {
		var r models.CorrectedRecord
		var voltage, lat, lng, threshold sql.NullFloat64
		if err := rows.Scan(&r.Place, &r.SensorID, &r.Date, &voltage, &r.SensorWaterDepth, &r.QAQCFlag, &r.DateSurveyed,
			&r.SensorElevation, &r.RoadElevation, &lat, &lng, &threshold, &r.SmoothedMinWaterDepth,
			&r.SensorWaterLevel, &r.RoadWaterLevel, &r.SensorWaterLevelAdj, &r.RoadWaterLevelAdj); err != nil {
			return nil, err
		}
		r.Date, r.DateSurveyed = r.Date.UTC(), r.DateSurveyed.UTC()
		r.Voltage, r.Lat, r.Lng, r.AlertThreshold = voltage.Float64, lat.Float64, lng.Float64, threshold.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}
