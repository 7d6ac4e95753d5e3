package calibrate

import (
	"log/slog"
	"sort"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// Matched is a raw measurement joined with the survey epoch in effect at its timestamp.
// Survey is nil when no epoch could be computed.
type Matched struct {
	models.RawMeasurement
	Survey *models.SurveyRecord
}

// EpochRow is a depth record joined with its survey epoch.
type EpochRow struct {
	models.DepthRecord
	Survey *models.SurveyRecord
}

// MatchSurveys assigns every measurement to the survey epoch that was in effect when it
// was taken. Epochs are half-open [survey_i, survey_i+1); the last epoch ends at now.
// Sensors with no surveys are dropped; measurements before a sensor's first survey are
// kept with a nil Survey so callers can see and exclude them.
func MatchSurveys(measurements []models.RawMeasurement, surveys []models.SurveyRecord, now time.Time, logger *slog.Logger) []Matched {
	keys := make([]models.RecordKey, len(measurements))
	for i, m := range measurements {
		keys[i] = m.Key()
	}
	assigned, keep := assignEpochs(keys, surveys, now, logger)

	out := make([]Matched, 0, len(measurements))
	seen := make(map[models.RecordKey]bool, len(measurements))
	for i, m := range measurements {
		k := normKey(keys[i])
		if !keep[i] || seen[k] {
			continue
		}
		seen[k] = true
		row := Matched{RawMeasurement: m, Survey: assigned[i]}
		if row.Survey != nil && row.AtmStationID == "" {
			row.AtmStationID = row.Survey.AtmStationID
			row.AtmSource = row.Survey.AtmSource
		}
		out = append(out, row)
	}
	return out
}

// MatchDepthSurveys is MatchSurveys for already-computed depth records.
func MatchDepthSurveys(records []models.DepthRecord, surveys []models.SurveyRecord, now time.Time, logger *slog.Logger) []EpochRow {
	keys := make([]models.RecordKey, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	assigned, keep := assignEpochs(keys, surveys, now, logger)

	out := make([]EpochRow, 0, len(records))
	seen := make(map[models.RecordKey]bool, len(records))
	for i, r := range records {
		k := normKey(keys[i])
		if !keep[i] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, EpochRow{DepthRecord: r, Survey: assigned[i]})
	}
	return out
}

// Epoched keeps only rows that resolved to exactly one survey epoch.
func Epoched(rows []Matched) []Matched {
	out := make([]Matched, 0, len(rows))
	for _, r := range rows {
		if r.Survey != nil {
			out = append(out, r)
		}
	}
	return out
}

// assignEpochs returns, for each key, the survey whose epoch contains it (or nil) and
// whether the key's sensor had any surveys at all.
func assignEpochs(keys []models.RecordKey, surveys []models.SurveyRecord, now time.Time, logger *slog.Logger) ([]*models.SurveyRecord, []bool) {
	surveysBySensor := make(map[string][]models.SurveyRecord)
	for _, s := range surveys {
		surveysBySensor[s.SensorID] = append(surveysBySensor[s.SensorID], s)
	}

	idxBySensor := make(map[string][]int)
	for i, k := range keys {
		idxBySensor[k.SensorID] = append(idxBySensor[k.SensorID], i)
	}
	sensors := make([]string, 0, len(idxBySensor))
	for id := range idxBySensor {
		sensors = append(sensors, id)
	}
	sort.Strings(sensors)

	assigned := make([]*models.SurveyRecord, len(keys))
	keep := make([]bool, len(keys))

	var missing []string
	for _, sensorID := range sensors {
		sensorSurveys, ok := surveysBySensor[sensorID]
		if !ok {
			missing = append(missing, sensorID)
			continue
		}
		dates := surveyDates(sensorSurveys)

		early := 0
		for _, i := range idxBySensor[sensorID] {
			keep[i] = true
			if keys[i].Date.Before(dates[0]) {
				early++
			}
			if epoch, ok := epochFor(keys[i].Date, dates, now); ok {
				assigned[i] = findSurvey(sensorSurveys, keys[i].Place, epoch)
			}
		}
		if early > 0 {
			logger.Debug("there are data that precede the survey dates",
				"sensor_id", sensorID,
				"rows", early,
				"earliest_survey", dates[0],
			)
		}
	}

	if len(missing) > 0 {
		logger.Warn("missing survey data, the sensors will not be processed", "sensors", missing)
	}
	return assigned, keep
}

func epochFor(ts time.Time, dates []time.Time, now time.Time) (time.Time, bool) {
	if len(dates) == 0 || ts.Before(dates[0]) {
		return time.Time{}, false
	}
	if len(dates) == 1 {
		return dates[0], true
	}
	for i, start := range dates {
		end := now
		if i+1 < len(dates) {
			end = dates[i+1]
		}
		if !ts.Before(start) && ts.Before(end) {
			return start, true
		}
	}
	return time.Time{}, false
}

func surveyDates(surveys []models.SurveyRecord) []time.Time {
	seen := make(map[int64]bool, len(surveys))
	dates := make([]time.Time, 0, len(surveys))
	for _, s := range surveys {
		n := s.DateSurveyed.UnixNano()
		if seen[n] {
			continue
		}
		seen[n] = true
		dates = append(dates, s.DateSurveyed)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func findSurvey(surveys []models.SurveyRecord, place string, epoch time.Time) *models.SurveyRecord {
	for i := range surveys {
		if surveys[i].Place == place && surveys[i].DateSurveyed.Equal(epoch) {
			s := surveys[i]
			return &s
		}
	}
	return nil
}

// normKey strips location and monotonic data so equal instants compare equal as map keys.
func normKey(k models.RecordKey) models.RecordKey {
	k.Date = k.Date.UTC().Round(0)
	return k
}
