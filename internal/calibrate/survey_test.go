package calibrate

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func daily(place, sensor string, from, to time.Time) []models.RawMeasurement {
	var out []models.RawMeasurement
	for t := from; !t.After(to); t = t.AddDate(0, 0, 1) {
		out = append(out, models.RawMeasurement{Place: place, SensorID: sensor, Date: t, Pressure: 1020})
	}
	return out
}

func TestMatchSurveys_SingleSurvey(t *testing.T) {
	surveyDate := utc(2021, 1, 1, 0, 0)
	surveys := []models.SurveyRecord{{Place: "Beaufort", SensorID: "BF_01", DateSurveyed: surveyDate, SensorElevation: 10}}
	measurements := daily("Beaufort", "BF_01", utc(2020, 12, 1, 0, 0), utc(2021, 2, 1, 0, 0))

	matched := MatchSurveys(measurements, surveys, utc(2021, 3, 1, 0, 0), discardLogger())
	require.Len(t, matched, len(measurements))

	for _, m := range matched {
		if m.Date.Before(surveyDate) {
			assert.Nil(t, m.Survey, "December row %s should have no epoch", m.Date)
			continue
		}
		require.NotNil(t, m.Survey, "row %s should resolve", m.Date)
		assert.True(t, m.Survey.DateSurveyed.Equal(surveyDate))
	}

	epoched := Epoched(matched)
	assert.Len(t, epoched, 32) // 2021-01-01 through 2021-02-01
	for _, m := range epoched {
		assert.False(t, m.Date.Before(surveyDate))
	}
}

func TestMatchSurveys_MultipleSurveysPartition(t *testing.T) {
	jan := utc(2021, 1, 1, 0, 0)
	feb := utc(2021, 2, 1, 0, 0)
	now := utc(2021, 3, 1, 0, 0)
	surveys := []models.SurveyRecord{
		{Place: "Carolina Beach", SensorID: "CB_02", DateSurveyed: feb, SensorElevation: 2},
		{Place: "Carolina Beach", SensorID: "CB_02", DateSurveyed: jan, SensorElevation: 1},
	}

	tests := []struct {
		name string
		ts   time.Time
		want *time.Time
	}{
		{"before first survey", utc(2020, 12, 31, 23, 0), nil},
		{"on first survey", jan, &jan},
		{"inside first epoch", utc(2021, 1, 31, 23, 59), &jan},
		{"on second survey", feb, &feb},
		{"after last survey before now", utc(2021, 2, 28, 12, 0), &feb},
		{"at now sentinel", now, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := []models.RawMeasurement{{Place: "Carolina Beach", SensorID: "CB_02", Date: tt.ts}}
			matched := MatchSurveys(ms, surveys, now, discardLogger())
			require.Len(t, matched, 1)
			if tt.want == nil {
				assert.Nil(t, matched[0].Survey)
				return
			}
			require.NotNil(t, matched[0].Survey)
			assert.True(t, matched[0].Survey.DateSurveyed.Equal(*tt.want))
		})
	}
}

func TestMatchSurveys_EveryRowInAtMostOneEpoch(t *testing.T) {
	surveys := []models.SurveyRecord{
		{Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 1, 0, 0)},
		{Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 10, 0, 0)},
		{Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 20, 0, 0)},
	}
	measurements := daily("P", "S", utc(2020, 12, 25, 0, 0), utc(2021, 1, 31, 0, 0))
	matched := MatchSurveys(measurements, surveys, utc(2021, 2, 1, 0, 0), discardLogger())

	counts := make(map[time.Time]int)
	for _, m := range Epoched(matched) {
		counts[m.Survey.DateSurveyed]++
		next := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
		for _, s := range surveys {
			if s.DateSurveyed.After(m.Survey.DateSurveyed) && s.DateSurveyed.Before(next) {
				next = s.DateSurveyed
			}
		}
		assert.False(t, m.Date.Before(m.Survey.DateSurveyed))
		assert.True(t, m.Date.Before(next))
	}
	assert.Equal(t, 9, counts[utc(2021, 1, 1, 0, 0)])
	assert.Equal(t, 10, counts[utc(2021, 1, 10, 0, 0)])
	assert.Equal(t, 12, counts[utc(2021, 1, 20, 0, 0)])
}

func TestMatchSurveys_MissingSensorDropped(t *testing.T) {
	surveys := []models.SurveyRecord{{Place: "P", SensorID: "HAS_SURVEY", DateSurveyed: utc(2021, 1, 1, 0, 0)}}
	measurements := []models.RawMeasurement{
		{Place: "P", SensorID: "HAS_SURVEY", Date: utc(2021, 1, 2, 0, 0)},
		{Place: "P", SensorID: "NO_SURVEY", Date: utc(2021, 1, 2, 0, 0)},
	}

	matched := MatchSurveys(measurements, surveys, utc(2021, 2, 1, 0, 0), discardLogger())
	require.Len(t, matched, 1)
	assert.Equal(t, "HAS_SURVEY", matched[0].SensorID)
}

func TestMatchSurveys_PlaceMustMatch(t *testing.T) {
	surveys := []models.SurveyRecord{{Place: "Elsewhere", SensorID: "S", DateSurveyed: utc(2021, 1, 1, 0, 0)}}
	measurements := []models.RawMeasurement{{Place: "Here", SensorID: "S", Date: utc(2021, 1, 2, 0, 0)}}

	matched := MatchSurveys(measurements, surveys, utc(2021, 2, 1, 0, 0), discardLogger())
	require.Len(t, matched, 1)
	assert.Nil(t, matched[0].Survey)
	assert.Empty(t, Epoched(matched))
}

func TestMatchSurveys_InheritsAtmosphericStation(t *testing.T) {
	surveys := []models.SurveyRecord{{
		Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 1, 0, 0),
		AtmStationID: "8656483", AtmSource: "NOAA",
	}}
	measurements := []models.RawMeasurement{
		{Place: "P", SensorID: "S", Date: utc(2021, 1, 2, 0, 0)},
		{Place: "P", SensorID: "S", Date: utc(2021, 1, 3, 0, 0), AtmStationID: "KMRH", AtmSource: "ISU"},
	}

	matched := MatchSurveys(measurements, surveys, utc(2021, 2, 1, 0, 0), discardLogger())
	require.Len(t, matched, 2)
	assert.Equal(t, "8656483", matched[0].AtmStationID)
	assert.Equal(t, "NOAA", matched[0].AtmSource)
	assert.Equal(t, "KMRH", matched[1].AtmStationID)
	assert.Equal(t, "ISU", matched[1].AtmSource)
}

func TestMatchSurveys_DeduplicatesNaturalKey(t *testing.T) {
	surveys := []models.SurveyRecord{{Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 1, 0, 0)}}
	ts := utc(2021, 1, 2, 0, 0)
	measurements := []models.RawMeasurement{
		{Place: "P", SensorID: "S", Date: ts, Pressure: 1000},
		{Place: "P", SensorID: "S", Date: ts.In(time.FixedZone("EST", -5*3600)), Pressure: 1001},
	}

	matched := MatchSurveys(measurements, surveys, utc(2021, 2, 1, 0, 0), discardLogger())
	require.Len(t, matched, 1)
	assert.Equal(t, 1000.0, matched[0].Pressure)
}

func TestMatchDepthSurveys(t *testing.T) {
	surveys := []models.SurveyRecord{{Place: "P", SensorID: "S", DateSurveyed: utc(2021, 1, 1, 0, 0), RoadElevation: 3}}
	records := []models.DepthRecord{
		{Place: "P", SensorID: "S", Date: utc(2020, 12, 31, 0, 0)},
		{Place: "P", SensorID: "S", Date: utc(2021, 1, 5, 0, 0)},
		{Place: "P", SensorID: "OTHER", Date: utc(2021, 1, 5, 0, 0)},
	}

	rows := MatchDepthSurveys(records, surveys, utc(2021, 2, 1, 0, 0), discardLogger())
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Survey)
	require.NotNil(t, rows[1].Survey)
	assert.Equal(t, 3.0, rows[1].Survey.RoadElevation)
}
