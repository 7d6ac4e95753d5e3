package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunny-day-flooding-project/sdfcal/internal/calibrate"
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

type fakeStore struct {
	mu sync.Mutex

	raw       []models.RawMeasurement
	surveys   []models.SurveyRecord
	depth     []models.DepthRecord
	corrected []models.CorrectedRecord
	processed []models.RecordKey
	flags     []models.DepthRecord

	rawErr      error
	rawCalls    int
	failPlace   string
	depthWindow [2]time.Time
}

func (s *fakeStore) UnprocessedMeasurements(_ context.Context, floor float64) ([]models.RawMeasurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawCalls++
	if s.rawErr != nil {
		return nil, s.rawErr
	}
	var out []models.RawMeasurement
	for _, m := range s.raw {
		if !m.Processed && m.Pressure > floor {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) Surveys(context.Context) ([]models.SurveyRecord, error) {
	return s.surveys, nil
}

func (s *fakeStore) UpsertDepthRecords(_ context.Context, records []models.DepthRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(records) > 0 && records[0].Place == s.failPlace {
		return 0, errors.New("connection reset")
	}
	s.depth = append(s.depth, records...)
	return int64(len(records)), nil
}

func (s *fakeStore) MarkProcessed(_ context.Context, keys []models.RecordKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, keys...)
	return int64(len(keys)), nil
}

func (s *fakeStore) DepthRecords(_ context.Context, start, end time.Time) ([]models.DepthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depthWindow = [2]time.Time{start, end}
	var out []models.DepthRecord
	for _, d := range s.depth {
		if !d.Date.Before(start) && !d.Date.After(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateQAQCFlags(_ context.Context, records []models.DepthRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = append(s.flags, records...)
	for _, r := range records {
		for i := range s.depth {
			if s.depth[i].Key() == r.Key() {
				s.depth[i].QAQCFlag = r.QAQCFlag
			}
		}
	}
	return int64(len(records)), nil
}

func (s *fakeStore) UpsertCorrectedRecords(_ context.Context, records []models.CorrectedRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrected = append(s.corrected, records...)
	return int64(len(records)), nil
}

// flatSource reports a constant pressure every six minutes across the requested range.
type flatSource struct {
	pressure float64
}

func (f flatSource) Fetch(_ context.Context, stationID string, _ models.SourceKind, begin, end time.Time) models.AtmosphericResult {
	var samples []models.AtmosphericSample
	for t := begin; !t.After(end); t = t.Add(6 * time.Minute) {
		samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t, PressureMB: f.pressure})
	}
	return models.AtmosphericResult{Samples: samples, Outcome: models.FetchOK}
}

type recordingSink struct {
	published []models.CorrectedRecord
}

func (s *recordingSink) Publish(_ context.Context, records []models.CorrectedRecord) error {
	s.published = append(s.published, records...)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.StoreRetries = 2
	opts.StoreRetryInterval = time.Millisecond
	opts.StoreTimeout = time.Second
	return opts
}

var surveyed = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func survey(place, sensorID string) models.SurveyRecord {
	return models.SurveyRecord{
		Place:           place,
		SensorID:        sensorID,
		DateSurveyed:    surveyed,
		SensorElevation: 10,
		RoadElevation:   8,
		AtmStationID:    "8656483",
		AtmSource:       "NOAA",
	}
}

func rawSeries(place, sensorID string, from time.Time, n int, step time.Duration) []models.RawMeasurement {
	out := make([]models.RawMeasurement, n)
	for i := range out {
		out[i] = models.RawMeasurement{Place: place, SensorID: sensorID, Date: from.Add(time.Duration(i) * step), Pressure: 1100}
	}
	return out
}

func TestProcessPressure(t *testing.T) {
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	st.raw = rawSeries("Beaufort", "BF_01", surveyed, 21, 6*time.Minute)
	preSurvey := models.RawMeasurement{Place: "Beaufort", SensorID: "BF_01", Date: surveyed.Add(-12 * time.Hour), Pressure: 1100}
	implausible := models.RawMeasurement{Place: "Beaufort", SensorID: "BF_01", Date: surveyed.Add(time.Minute), Pressure: 12}
	st.raw = append(st.raw, preSurvey, implausible)

	clock := clockwork.NewFakeClockAt(surveyed.Add(24 * time.Hour))
	p := New(st, flatSource{pressure: 1013}, nil, clock, discardLogger(), testOptions())

	require.NoError(t, p.ProcessPressure(context.Background()))

	require.Len(t, st.depth, 21)
	want := calibrate.WaterDepth(1100, 1013)
	for _, d := range st.depth {
		assert.InDelta(t, 1013, d.AtmPressure, 1e-9)
		assert.InDelta(t, want, d.SensorWaterDepth, 1e-9)
		assert.Equal(t, calibrate.TagNewData, d.Tag)
		assert.Equal(t, "8656483", d.AtmStationID, "station inherited from survey")
	}

	assert.Len(t, st.processed, 21)
	for _, k := range st.processed {
		assert.NotEqual(t, preSurvey.Date, k.Date, "pre-survey reading must stay unprocessed")
	}
}

func TestProcessPressure_NoRawData(t *testing.T) {
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	p := New(st, flatSource{pressure: 1013}, nil, clockwork.NewFakeClock(), discardLogger(), testOptions())

	require.NoError(t, p.ProcessPressure(context.Background()))
	assert.Empty(t, st.depth)
}

func TestProcessPressure_RawReadFailureEndsRun(t *testing.T) {
	st := &fakeStore{rawErr: errors.New("database is unreachable")}
	p := New(st, flatSource{pressure: 1013}, nil, clockwork.NewFakeClock(), discardLogger(), testOptions())

	err := p.ProcessPressure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read raw measurements")
	assert.Equal(t, 3, st.rawCalls, "one attempt plus two retries")
}

func TestProcessPressure_SiteWriteFailureIsSkipped(t *testing.T) {
	st := &fakeStore{
		surveys:   []models.SurveyRecord{survey("Beaufort", "BF_01"), survey("Carolina Beach", "CB_01")},
		failPlace: "Beaufort",
	}
	st.raw = append(rawSeries("Beaufort", "BF_01", surveyed, 5, 6*time.Minute),
		rawSeries("Carolina Beach", "CB_01", surveyed, 5, 6*time.Minute)...)

	clock := clockwork.NewFakeClockAt(surveyed.Add(24 * time.Hour))
	p := New(st, flatSource{pressure: 1013}, nil, clock, discardLogger(), testOptions())

	require.NoError(t, p.ProcessPressure(context.Background()))
	require.Len(t, st.depth, 5)
	for _, d := range st.depth {
		assert.Equal(t, "Carolina Beach", d.Place)
	}
	require.Len(t, st.processed, 5)
	for _, k := range st.processed {
		assert.Equal(t, "Carolina Beach", k.Place)
	}
}

func TestProcessPressure_PreSurveyWarnsOnce(t *testing.T) {
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	st.raw = rawSeries("Beaufort", "BF_01", surveyed, 3, 6*time.Minute)
	st.raw = append(st.raw, models.RawMeasurement{Place: "Beaufort", SensorID: "BF_01", Date: surveyed.Add(-time.Hour), Pressure: 1100})

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	clock := clockwork.NewFakeClockAt(surveyed.Add(24 * time.Hour))
	p := New(st, flatSource{pressure: 1013}, nil, clock, logger, testOptions())
	ctx := context.Background()
	warnings := func() int { return strings.Count(logs.String(), "precede the survey dates") }

	require.NoError(t, p.ProcessPressure(ctx))
	assert.Equal(t, 1, warnings())

	require.NoError(t, p.ProcessPressure(ctx))
	assert.Equal(t, 1, warnings(), "same pending rows are not reported again")

	st.raw = append(st.raw, models.RawMeasurement{Place: "Beaufort", SensorID: "BF_01", Date: surveyed.Add(-2 * time.Hour), Pressure: 1100})
	require.NoError(t, p.ProcessPressure(ctx))
	assert.Equal(t, 2, warnings())
}

func depthSeries(place, sensorID string, from time.Time, n int, depth func(i int) float64) []models.DepthRecord {
	out := make([]models.DepthRecord, n)
	for i := range out {
		out[i] = models.DepthRecord{
			Place:            place,
			SensorID:         sensorID,
			Date:             from.Add(time.Duration(i) * time.Hour),
			SensorWaterDepth: depth(i),
			Tag:              calibrate.TagNewData,
		}
	}
	return out
}

func TestCorrectDrift(t *testing.T) {
	spike := 36 // 2023-01-02 12:00
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	st.depth = depthSeries("Beaufort", "BF_01", surveyed, 72, func(i int) float64 {
		if i == spike {
			return 10
		}
		return 1
	})
	sink := &recordingSink{}
	clock := clockwork.NewFakeClockAt(surveyed.Add(72 * time.Hour))
	p := New(st, flatSource{}, sink, clock, discardLogger(), testOptions())

	start, end := surveyed.Add(24*time.Hour), surveyed.Add(48*time.Hour)
	require.NoError(t, p.CorrectDrift(context.Background(), start, end))

	assert.Equal(t, start.Add(-7*24*time.Hour), st.depthWindow[0])
	assert.Equal(t, end, st.depthWindow[1])

	var flagged []time.Time
	for _, d := range st.flags {
		if d.QAQCFlag {
			flagged = append(flagged, d.Date)
		}
	}
	assert.Equal(t, []time.Time{surveyed.Add(36 * time.Hour), surveyed.Add(37 * time.Hour)}, flagged)

	// 25 hourly rows in the inclusive window, less the spike and the drop back.
	require.Len(t, st.corrected, 23)
	for _, c := range st.corrected {
		assert.False(t, c.Date.Before(start) || c.Date.After(end))
		assert.InDelta(t, 1.0, c.SmoothedMinWaterDepth, 1e-9)
		assert.InDelta(t, 11.0, c.SensorWaterLevel, 1e-9)
		assert.InDelta(t, 3.0, c.RoadWaterLevel, 1e-9)
		assert.InDelta(t, 10.0, c.SensorWaterLevelAdj, 1e-9)
		assert.InDelta(t, 2.0, c.RoadWaterLevelAdj, 1e-9)
		assert.Equal(t, surveyed, c.DateSurveyed)
	}
	assert.Equal(t, st.corrected, sink.published)
}

func TestCorrectDrift_KeepsFlagOfRowAtReadEdge(t *testing.T) {
	from := surveyed.Add(24 * time.Hour)
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	for i, d := range []float64{1.0, 1.2, 5.0, 1.3, 1.3} {
		st.depth = append(st.depth, models.DepthRecord{
			Place: "Beaufort", SensorID: "BF_01", Date: from.Add(time.Duration(i) * 10 * time.Minute),
			SensorWaterDepth: d, Tag: calibrate.TagNewData,
		})
	}
	spike := st.depth[2].Date
	end := st.depth[4].Date

	opts := testOptions()
	opts.Buffer = 0
	p := New(st, flatSource{}, nil, clockwork.NewFakeClockAt(end.Add(time.Hour)), discardLogger(), opts)
	ctx := context.Background()

	require.NoError(t, p.CorrectDrift(ctx, from, end))
	require.True(t, st.depth[2].QAQCFlag)
	require.True(t, st.depth[3].QAQCFlag)

	st.flags, st.corrected = nil, nil
	require.NoError(t, p.CorrectDrift(ctx, spike, end))

	assert.True(t, st.depth[2].QAQCFlag, "spike flag survives a window that starts on it")
	assert.True(t, st.depth[3].QAQCFlag)
	for _, r := range st.flags {
		assert.NotEqual(t, spike, r.Date, "first row of the read window is not written back")
	}
	require.Len(t, st.corrected, 1)
	assert.Equal(t, end, st.corrected[0].Date)
}

func TestWithPredecessor(t *testing.T) {
	rows := []models.DepthRecord{
		{Place: "A", SensorID: "1", Date: surveyed},
		{Place: "A", SensorID: "1", Date: surveyed.Add(time.Hour)},
		{Place: "A", SensorID: "2", Date: surveyed},
		{Place: "B", SensorID: "2", Date: surveyed},
		{Place: "B", SensorID: "2", Date: surveyed.Add(time.Hour)},
	}
	got := withPredecessor(rows)
	assert.Equal(t, []models.DepthRecord{rows[1], rows[4]}, got)
}

func TestCorrectRecent_UsesClockWindow(t *testing.T) {
	st := &fakeStore{surveys: []models.SurveyRecord{survey("Beaufort", "BF_01")}}
	now := surveyed.Add(30 * 24 * time.Hour)
	p := New(st, flatSource{}, nil, clockwork.NewFakeClockAt(now), discardLogger(), testOptions())

	require.NoError(t, p.CorrectRecent(context.Background()))
	assert.Equal(t, now.Add(-14*24*time.Hour), st.depthWindow[0])
	assert.Equal(t, now, st.depthWindow[1])
}

func TestCorrectDrift_InvertedWindow(t *testing.T) {
	p := New(&fakeStore{}, flatSource{}, nil, clockwork.NewFakeClock(), discardLogger(), testOptions())
	err := p.CorrectDrift(context.Background(), surveyed.Add(time.Hour), surveyed)
	require.Error(t, err)
}

func TestByPlace(t *testing.T) {
	rows := []string{"a", "a", "b", "c", "c", "c"}
	groups := byPlace(rows, func(s string) string { return s })
	assert.Equal(t, [][]string{{"a", "a"}, {"b"}, {"c", "c", "c"}}, groups)
	assert.Empty(t, byPlace([]string(nil), func(s string) string { return s }))
}
