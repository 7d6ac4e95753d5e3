package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

func (s *Store) UpsertSurvey(ctx context.Context, sv models.SurveyRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO sensor_surveys (place, sensor_id, date_surveyed, sensor_elevation, road_elevation, lat, lng, alert_threshold, notes, atm_station_id, atm_data_src)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(place, sensor_id, date_surveyed) DO UPDATE SET
			sensor_elevation = excluded.sensor_elevation,
			road_elevation = excluded.road_elevation,
			lat = excluded.lat,
			lng = excluded.lng,
			alert_threshold = excluded.alert_threshold,
			notes = excluded.notes,
			atm_station_id = excluded.atm_station_id,
			atm_data_src = excluded.atm_data_src
	`, sv.Place, sv.SensorID, sv.DateSurveyed.UTC(), sv.SensorElevation, sv.RoadElevation, sv.Lat, sv.Lng, sv.AlertThreshold,
		nullString(sv.Notes), nullString(sv.AtmStationID), nullString(sv.AtmSource))
	if err != nil {
		return fmt.Errorf("upsert survey %s/%s: %w", sv.Place, sv.SensorID, err)
	}
	return nil
}

// Surveys returns every survey, ordered by place, sensor and survey date.
func (s *Store) Surveys(ctx context.Context) ([]models.SurveyRecord, error) {
	rows, err := s.query(ctx, `
		SELECT place, sensor_id, date_surveyed, sensor_elevation, road_elevation, lat, lng, alert_threshold, notes, atm_station_id, atm_data_src
		FROM sensor_surveys
		ORDER BY place, sensor_id, date_surveyed
	`)
	if err != nil {
		return nil, fmt.Errorf("query surveys: %w", err)
	}
	defer rows.Close()

	var out []models.SurveyRecord
	for rows.Next() {
		var sv models.SurveyRecord
		var lat, lng, threshold sql.NullFloat64
		var notes, station, source sql.NullString
		if err := rows.Scan(&sv.Place, &sv.SensorID, &sv.DateSurveyed, &sv.SensorElevation, &sv.RoadElevation,
			&lat, &lng, &threshold, &notes, &station, &source); err != nil {
			return nil, err
		}
		sv.DateSurveyed = sv.DateSurveyed.UTC()
		sv.Lat, sv.Lng, sv.AlertThreshold = lat.Float64, lng.Float64, threshold.Float64
		sv.Notes, sv.AtmStationID, sv.AtmSource = notes.String, station.String, source.String
		out = append(out, sv)
	}
	return out, rows.Err()
}
