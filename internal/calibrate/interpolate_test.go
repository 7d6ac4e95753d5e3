package calibrate

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   [][2]time.Time
	step    time.Duration
	outcome models.FetchOutcome
}

// Fetch returns samples every step on a linear ramp so interpolated values can be
// checked exactly.
func (f *fakeSource) Fetch(_ context.Context, stationID string, _ models.SourceKind, begin, end time.Time) models.AtmosphericResult {
	f.mu.Lock()
	f.calls = append(f.calls, [2]time.Time{begin, end})
	f.mu.Unlock()

	switch f.outcome {
	case models.FetchNoData:
		return models.AtmosphericResult{Outcome: models.FetchNoData}
	case models.FetchUnavailable:
		return models.AtmosphericResult{Outcome: models.FetchUnavailable, Err: errors.New("503")}
	}

	var samples []models.AtmosphericSample
	for t := begin.Truncate(f.step); !t.After(end.Add(f.step)); t = t.Add(f.step) {
		samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t, PressureMB: ramp(t)})
	}
	return models.AtmosphericResult{Samples: samples, Outcome: models.FetchOK}
}

func ramp(t time.Time) float64 {
	return 1000 + 0.01*t.Sub(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)).Minutes()
}

func matchedRow(place, sensor string, ts time.Time) Matched {
	return Matched{
		RawMeasurement: models.RawMeasurement{
			Place: place, SensorID: sensor, Date: ts, Pressure: 1030,
			AtmStationID: "8656483", AtmSource: "NOAA",
		},
		Survey: &models.SurveyRecord{Place: place, SensorID: sensor},
	}
}

func TestInterpolate_LinearInTime(t *testing.T) {
	src := &fakeSource{step: time.Hour}
	in := NewInterpolator(src, 2, discardLogger())

	base := utc(2023, 6, 1, 0, 0)
	rows := []Matched{
		matchedRow("P", "S", base.Add(17*time.Minute)),
		matchedRow("P", "S", base.Add(2*time.Hour)),
		matchedRow("P", "S", base.Add(3*time.Hour+45*time.Minute)),
	}

	out := in.Interpolate(context.Background(), rows)
	require.Len(t, out, 3)
	for _, r := range out {
		assert.InDelta(t, ramp(r.Date), r.AtmPressure, 1e-6, "at %s", r.Date)
	}
	require.Len(t, src.calls, 1)
	assert.True(t, src.calls[0][0].Equal(rows[0].Date.Add(-30*time.Minute)))
	assert.True(t, src.calls[0][1].Equal(rows[2].Date.Add(30*time.Minute)))
}

func TestInterpolate_ChunksLongSpans(t *testing.T) {
	src := &fakeSource{step: time.Hour}
	in := NewInterpolator(src, 1, discardLogger())

	first := utc(2023, 1, 1, 0, 0)
	last := first.Add(61 * 24 * time.Hour)
	rows := []Matched{matchedRow("P", "S", first), matchedRow("P", "S", last)}

	out := in.Interpolate(context.Background(), rows)
	assert.Len(t, out, 2)

	require.Len(t, src.calls, 3)
	assert.True(t, src.calls[0][0].Equal(first.Add(-fetchPad)))
	assert.True(t, src.calls[2][1].Equal(last.Add(fetchPad)))
	for i, c := range src.calls {
		assert.LessOrEqual(t, c[1].Sub(c[0]), maxFetchSpan)
		if i > 0 {
			assert.True(t, c[0].Equal(src.calls[i-1][1]), "chunks must be contiguous")
		}
	}
}

func TestInterpolate_NoCoverageYieldsZeroRows(t *testing.T) {
	for _, outcome := range []models.FetchOutcome{models.FetchNoData, models.FetchUnavailable} {
		t.Run(outcome.String(), func(t *testing.T) {
			in := NewInterpolator(&fakeSource{outcome: outcome}, 1, discardLogger())
			rows := []Matched{matchedRow("P", "S", utc(2023, 6, 1, 0, 0))}
			assert.Empty(t, in.Interpolate(context.Background(), rows))
		})
	}
}

func TestInterpolate_UnknownSourceSkipped(t *testing.T) {
	src := &fakeSource{step: time.Hour}
	in := NewInterpolator(src, 1, discardLogger())

	row := matchedRow("P", "S", utc(2023, 6, 1, 0, 0))
	row.AtmSource = "WUNDERGROUND"

	assert.Empty(t, in.Interpolate(context.Background(), []Matched{row}))
	assert.Empty(t, src.calls)
}

func TestInterpolate_SitesAreIndependent(t *testing.T) {
	src := &fakeSource{step: 6 * time.Minute}
	in := NewInterpolator(src, 4, discardLogger())

	ts := utc(2023, 6, 1, 12, 3)
	a := matchedRow("Beaufort", "BF_01", ts)
	b := matchedRow("Carolina Beach", "CB_01", ts)
	b.AtmStationID = "8658163"

	out := in.Interpolate(context.Background(), []Matched{b, a})
	require.Len(t, out, 2)
	assert.Equal(t, "Beaufort", out[0].Place)
	assert.Equal(t, "Carolina Beach", out[1].Place)
	assert.Len(t, src.calls, 2)
}

func TestInterpolate_Idempotent(t *testing.T) {
	in := NewInterpolator(&fakeSource{step: 6 * time.Minute}, 3, discardLogger())
	base := utc(2023, 6, 1, 0, 0)
	var rows []Matched
	for i := 0; i < 50; i++ {
		rows = append(rows, matchedRow("P", "S", base.Add(time.Duration(i)*7*time.Minute)))
	}

	first := FormatDepth(in.Interpolate(context.Background(), rows))
	second := FormatDepth(in.Interpolate(context.Background(), rows))
	assert.Equal(t, first, second)
	assert.Len(t, first, 50)
}

func TestInterpolateAt(t *testing.T) {
	base := utc(2023, 6, 1, 0, 0)
	samples := []models.AtmosphericSample{
		{Date: base, PressureMB: 1000},
		{Date: base.Add(time.Hour), PressureMB: 1010},
	}

	p, ok := interpolateAt(samples, base.Add(30*time.Minute))
	require.True(t, ok)
	assert.InDelta(t, 1005, p, 1e-9)

	p, ok = interpolateAt(samples, base)
	require.True(t, ok)
	assert.Equal(t, 1000.0, p)

	_, ok = interpolateAt(samples, base.Add(-time.Minute))
	assert.False(t, ok)
	_, ok = interpolateAt(samples, base.Add(61*time.Minute))
	assert.False(t, ok)
}

func TestDedupeSamples(t *testing.T) {
	base := utc(2023, 6, 1, 0, 0)
	samples := []models.AtmosphericSample{
		{Date: base.Add(time.Hour), PressureMB: 1002},
		{Date: base, PressureMB: 1000},
		{Date: base, PressureMB: 999},
		{Date: base.Add(2 * time.Hour), PressureMB: math.NaN()},
	}

	out := dedupeSamples(samples)
	require.Len(t, out, 2)
	assert.Equal(t, 1000.0, out[0].PressureMB)
	assert.Equal(t, 1002.0, out[1].PressureMB)
}

func TestChunkSpan(t *testing.T) {
	begin := utc(2023, 1, 1, 0, 0)

	short := chunkSpan(begin, begin.Add(10*24*time.Hour))
	assert.Len(t, short, 1)

	long := chunkSpan(begin, begin.Add(90*24*time.Hour+time.Hour))
	require.Len(t, long, 4)
	assert.True(t, long[0][0].Equal(begin))
	assert.True(t, long[3][1].Equal(begin.Add(90*24*time.Hour+time.Hour)))
}
