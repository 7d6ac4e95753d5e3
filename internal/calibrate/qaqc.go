package calibrate

import (
	"math"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// DefaultRateThreshold is the largest plausible depth change, in feet per minute.
const DefaultRateThreshold = 0.1

// FlagRateOfChange marks rows whose depth changed faster than threshold since the
// previous sample of the same sensor. The first sample of each sensor has no
// predecessor, so it is not re-evaluated and keeps the flag it came in with: false for
// fresh depth rows, the persisted value when the read window starts mid-series. The
// result is sorted by place, sensor and time.
func FlagRateOfChange(records []models.DepthRecord, threshold float64) []models.DepthRecord {
	out := make([]models.DepthRecord, len(records))
	copy(out, records)
	SortDepth(out)

	for i := range out {
		if i == 0 || !sameSensor(out[i-1], out[i]) {
			continue
		}
		out[i].QAQCFlag = false
		minutes := out[i].Date.Sub(out[i-1].Date).Minutes()
		if minutes <= 0 {
			continue
		}
		rate := (out[i].SensorWaterDepth - out[i-1].SensorWaterDepth) / minutes
		if math.Abs(rate) > threshold {
			out[i].QAQCFlag = true
		}
	}
	return out
}

// Accepted drops rows that failed the rate-of-change check.
func Accepted(records []models.DepthRecord) []models.DepthRecord {
	out := make([]models.DepthRecord, 0, len(records))
	for _, r := range records {
		if !r.QAQCFlag {
			out = append(out, r)
		}
	}
	return out
}

func sameSensor(a, b models.DepthRecord) bool {
	return a.Place == b.Place && a.SensorID == b.SensorID
}
