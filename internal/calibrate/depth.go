package calibrate

import (
	"sort"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	seawaterDensity = 1020.0  // kg/m^3
	gravity         = 9.81    // m/s^2
	metersToFeet    = 3.28084 // ft/m

	TagNewData = "new_data"
)

// WaterDepth converts a sensor/atmosphere pressure differential in millibars to feet of seawater.
func WaterDepth(sensorPressure, atmPressure float64) float64 {
	return ((sensorPressure - atmPressure) * 100) / (seawaterDensity * gravity) * metersToFeet
}

// FormatDepth builds canonical depth rows, one per natural key, sorted by key.
func FormatDepth(rows []Interpolated) []models.DepthRecord {
	seen := make(map[models.RecordKey]bool, len(rows))
	out := make([]models.DepthRecord, 0, len(rows))
	for _, r := range rows {
		k := normKey(r.Key())
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, models.DepthRecord{
			Place:            r.Place,
			SensorID:         r.SensorID,
			Date:             r.Date,
			AtmPressure:      r.AtmPressure,
			SensorPressure:   r.Pressure,
			SensorWaterDepth: WaterDepth(r.Pressure, r.AtmPressure),
			Voltage:          r.Voltage,
			Notes:            r.Notes,
			QAQCFlag:         false,
			Tag:              TagNewData,
			AtmDataSrc:       r.AtmSource,
			AtmStationID:     r.AtmStationID,
		})
	}
	SortDepth(out)
	return out
}

// SortDepth orders rows by place, sensor, then time.
func SortDepth(rows []models.DepthRecord) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Place != b.Place {
			return a.Place < b.Place
		}
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		return a.Date.Before(b.Date)
	})
}
