package calibrate

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	// fetchPad widens the atmospheric request so the first and last observations are bracketed.
	fetchPad = 30 * time.Minute
	// maxFetchSpan is the widest range the upstream pressure APIs accept in a single request.
	maxFetchSpan = 30 * 24 * time.Hour
)

// PressureSource fetches barometric pressure for a station and time range.
type PressureSource interface {
	Fetch(ctx context.Context, stationID string, kind models.SourceKind, begin, end time.Time) models.AtmosphericResult
}

// Interpolated is a matched measurement with a synchronized atmospheric pressure.
type Interpolated struct {
	Matched
	AtmPressure float64
}

type Interpolator struct {
	source      PressureSource
	concurrency int
	logger      *slog.Logger
}

func NewInterpolator(source PressureSource, concurrency int, logger *slog.Logger) *Interpolator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Interpolator{source: source, concurrency: concurrency, logger: logger}
}

type siteGroup struct {
	place     string
	stationID string
	source    string
	rows      []Matched
}

// Interpolate assigns a time-interpolated atmospheric pressure to every row that falls
// inside the fetched atmospheric coverage. Sites are processed independently; a site with
// no coverage contributes zero rows.
func (in *Interpolator) Interpolate(ctx context.Context, rows []Matched) []Interpolated {
	groups := groupBySite(rows)
	results := make([][]Interpolated, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, grp := range groups {
		g.Go(func() error {
			results[i] = in.interpolateSite(gctx, grp)
			return nil
		})
	}
	_ = g.Wait()

	var out []Interpolated
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (in *Interpolator) interpolateSite(ctx context.Context, grp siteGroup) []Interpolated {
	logger := in.logger.With("place", grp.place, "atm_station_id", grp.stationID, "atm_data_src", grp.source)

	kind, err := models.ParseSourceKind(grp.source)
	if err != nil || grp.stationID == "" {
		logger.Warn("no usable atmospheric station declared, site skipped", "rows", len(grp.rows))
		return nil
	}

	begin := grp.rows[0].Date.Add(-fetchPad)
	end := grp.rows[len(grp.rows)-1].Date.Add(fetchPad)

	var samples []models.AtmosphericSample
	for _, chunk := range chunkSpan(begin, end) {
		res := in.source.Fetch(ctx, grp.stationID, kind, chunk[0], chunk[1])
		switch res.Outcome {
		case models.FetchOK:
			samples = append(samples, res.Samples...)
		case models.FetchUnavailable:
			logger.Warn("atmospheric pressure source unavailable for chunk",
				"begin", chunk[0], "end", chunk[1], "error", res.Err)
		}
	}
	samples = clipSamples(dedupeSamples(samples), begin, end)

	if len(samples) == 0 {
		logger.Warn("no atm pressure data available", "rows", len(grp.rows))
		return nil
	}

	out := make([]Interpolated, 0, len(grp.rows))
	for _, row := range grp.rows {
		p, ok := interpolateAt(samples, row.Date)
		if !ok {
			continue
		}
		out = append(out, Interpolated{Matched: row, AtmPressure: p})
	}

	logger.Info("interpolated atmospheric pressure",
		"rows", len(grp.rows),
		"span_days", int(end.Sub(begin).Hours()/24),
		"samples", len(samples),
	)
	if dropped := len(grp.rows) - len(out); dropped > 0 {
		logger.Warn("observations filtered out, not within atm pressure date range", "dropped", dropped)
	}
	return out
}

func groupBySite(rows []Matched) []siteGroup {
	type key struct{ place, station, source string }
	index := make(map[key]int)
	var groups []siteGroup
	for _, r := range rows {
		k := key{r.Place, r.AtmStationID, r.AtmSource}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, siteGroup{place: r.Place, stationID: r.AtmStationID, source: r.AtmSource})
		}
		groups[i].rows = append(groups[i].rows, r)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.place != b.place {
			return a.place < b.place
		}
		if a.stationID != b.stationID {
			return a.stationID < b.stationID
		}
		return a.source < b.source
	})
	for _, g := range groups {
		sort.SliceStable(g.rows, func(i, j int) bool { return g.rows[i].Date.Before(g.rows[j].Date) })
	}
	return groups
}

// chunkSpan splits [begin, end] into equal-width pieces no wider than maxFetchSpan.
func chunkSpan(begin, end time.Time) [][2]time.Time {
	span := end.Sub(begin)
	if span <= maxFetchSpan {
		return [][2]time.Time{{begin, end}}
	}
	n := int(math.Ceil(float64(span) / float64(maxFetchSpan)))
	width := span / time.Duration(n)
	chunks := make([][2]time.Time, n)
	for i := range chunks {
		lo := begin.Add(width * time.Duration(i))
		hi := begin.Add(width * time.Duration(i+1))
		if i == n-1 {
			hi = end
		}
		chunks[i] = [2]time.Time{lo, hi}
	}
	return chunks
}

// dedupeSamples sorts by time and keeps the first valid sample at each instant.
func dedupeSamples(samples []models.AtmosphericSample) []models.AtmosphericSample {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Date.Before(samples[j].Date) })
	out := samples[:0]
	for _, s := range samples {
		if math.IsNaN(s.PressureMB) || math.IsInf(s.PressureMB, 0) {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Date.Equal(s.Date) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func clipSamples(samples []models.AtmosphericSample, begin, end time.Time) []models.AtmosphericSample {
	out := samples[:0]
	for _, s := range samples {
		if s.Date.Before(begin) || s.Date.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// interpolateAt linearly interpolates in time between the samples bracketing t.
// Samples must be sorted and unique. Returns false when t is outside the coverage.
func interpolateAt(samples []models.AtmosphericSample, t time.Time) (float64, bool) {
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].Date.Before(t) })
	if i < len(samples) && samples[i].Date.Equal(t) {
		return samples[i].PressureMB, true
	}
	if i == 0 || i == len(samples) {
		return 0, false
	}
	lo, hi := samples[i-1], samples[i]
	frac := float64(t.Sub(lo.Date)) / float64(hi.Date.Sub(lo.Date))
	return lo.PressureMB + frac*(hi.PressureMB-lo.PressureMB), true
}
