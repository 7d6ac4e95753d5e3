package calibrate

import (
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// Levels holds the water levels derived for one observation.
type Levels struct {
	SensorWaterLevel    float64
	RoadWaterLevel      float64
	SensorWaterLevelAdj float64
	RoadWaterLevelAdj   float64
}

// ComputeLevels applies survey elevations and the drift baseline to a water depth.
func ComputeLevels(sensorElevation, roadElevation, waterDepth, baseline float64) Levels {
	sensorLevel := sensorElevation + waterDepth
	roadLevel := sensorLevel - roadElevation
	return Levels{
		SensorWaterLevel:    sensorLevel,
		RoadWaterLevel:      roadLevel,
		SensorWaterLevelAdj: sensorLevel - baseline,
		RoadWaterLevelAdj:   roadLevel - baseline,
	}
}

// Correct produces display rows for observations within [start, end], inclusive.
func Correct(rows []Baselined, start, end time.Time) []models.CorrectedRecord {
	out := make([]models.CorrectedRecord, 0, len(rows))
	for _, r := range rows {
		if r.Survey == nil || r.Date.Before(start) || r.Date.After(end) {
			continue
		}
		s := r.Survey
		lv := ComputeLevels(s.SensorElevation, s.RoadElevation, r.SensorWaterDepth, r.Baseline.SmoothedMinWaterDepth)
		out = append(out, models.CorrectedRecord{
			Place:                 r.Place,
			SensorID:              r.SensorID,
			Date:                  r.Date,
			Voltage:               r.Voltage,
			SensorWaterDepth:      r.SensorWaterDepth,
			QAQCFlag:              r.QAQCFlag,
			DateSurveyed:          s.DateSurveyed,
			SensorElevation:       s.SensorElevation,
			RoadElevation:         s.RoadElevation,
			Lat:                   s.Lat,
			Lng:                   s.Lng,
			AlertThreshold:        s.AlertThreshold,
			SmoothedMinWaterDepth: r.Baseline.SmoothedMinWaterDepth,
			SensorWaterLevel:      lv.SensorWaterLevel,
			RoadWaterLevel:        lv.RoadWaterLevel,
			SensorWaterLevelAdj:   lv.SensorWaterLevelAdj,
			RoadWaterLevelAdj:     lv.RoadWaterLevelAdj,
		})
	}
	return out
}
