package ingest

import (
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// Plausible sea-level-adjusted barometric pressure in millibars. Readings outside this
// range are unit mistakes or sensor faults and would poison the interpolation.
const (
	MinPlausiblePressureMB = 850.0
	MaxPlausiblePressureMB = 1090.0
)

const (
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagTimestampMissing   = "timestamp_missing"
)

func ValidateSample(s models.AtmosphericSample) []string {
	var flags []string

	if s.Date.IsZero() {
		flags = append(flags, FlagTimestampMissing)
	}
	if s.PressureMB < MinPlausiblePressureMB || s.PressureMB > MaxPlausiblePressureMB {
		flags = append(flags, FlagPressureOutOfRange)
	}

	return flags
}

// filterValid drops samples that fail validation and reports how many were dropped.
func filterValid(samples []models.AtmosphericSample) ([]models.AtmosphericSample, int) {
	kept := samples[:0:0]
	for _, s := range samples {
		if len(ValidateSample(s)) > 0 {
			continue
		}
		kept = append(kept, s)
	}
	return kept, len(samples) - len(kept)
}
