package calibrate

import (
	"sort"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	rollingWindow = 48 * time.Hour

	// Change-points outside this band of the rolling minimum are ignored: the low end
	// trims sensor dropouts, the high end keeps flood events from anchoring the baseline.
	changePointLowerQuantile = 0.01
	changePointUpperQuantile = 0.75
)

// Baselined is an epoch row with its smoothed minimum water depth.
type Baselined struct {
	EpochRow
	Baseline models.BaselineEstimate
}

// EstimateBaselines computes the drift baseline separately for every sensor and survey
// epoch. Rows without an epoch are skipped. Output is sorted by place, sensor and time.
func EstimateBaselines(rows []EpochRow) []Baselined {
	type epochKey struct {
		place, sensorID string
		epoch           int64
	}
	groups := make(map[epochKey][]EpochRow)
	var order []epochKey
	for _, r := range rows {
		if r.Survey == nil {
			continue
		}
		k := epochKey{r.Place, r.SensorID, r.Survey.DateSurveyed.UnixNano()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []Baselined
	for _, k := range order {
		grp := groups[k]
		sort.SliceStable(grp, func(i, j int) bool { return grp[i].Date.Before(grp[j].Date) })

		dates := make([]time.Time, len(grp))
		depths := make([]float64, len(grp))
		for i, r := range grp {
			dates[i] = r.Date
			depths[i] = r.SensorWaterDepth
		}

		smoothed := EstimateBaseline(dates, depths)
		for i, r := range grp {
			out = append(out, Baselined{
				EpochRow: r,
				Baseline: models.BaselineEstimate{
					Place:                 r.Place,
					SensorID:              r.SensorID,
					DateSurveyed:          r.Survey.DateSurveyed,
					Date:                  r.Date,
					SmoothedMinWaterDepth: smoothed[i],
				},
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Place != b.Place {
			return a.Place < b.Place
		}
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		return a.Date.Before(b.Date)
	})
	return out
}

// EstimateBaseline returns the smoothed minimum water depth for one sensor epoch.
// dates must be strictly increasing and aligned with depths.
func EstimateBaseline(dates []time.Time, depths []float64) []float64 {
	if len(dates) == 0 {
		return nil
	}
	rm := rollingMin(dates, depths, rollingWindow)
	cps := changePoints(rm)

	switch {
	case len(cps) == 0:
		return append([]float64(nil), rm...)
	case len(cps) < 3:
		return stepFill(len(dates), cps, rm)
	default:
		return lowessFill(dates, cps, rm)
	}
}

// rollingMin is the minimum over the trailing time window (t-window, t].
func rollingMin(dates []time.Time, values []float64, window time.Duration) []float64 {
	out := make([]float64, len(values))
	deque := make([]int, 0, len(values))
	for i := range values {
		for len(deque) > 0 && values[deque[len(deque)-1]] >= values[i] {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, i)

		cutoff := dates[i].Add(-window)
		for !dates[deque[0]].After(cutoff) {
			deque = deque[1:]
		}
		out[i] = values[deque[0]]
	}
	return out
}

// changePoints returns indexes where the rolling minimum moved (the first point has no
// predecessor and counts as moved), plus the last point, restricted to the quantile band.
func changePoints(rm []float64) []int {
	lo := percentile(rm, changePointLowerQuantile)
	hi := percentile(rm, changePointUpperQuantile)

	var cps []int
	for i, v := range rm {
		candidate := i == 0 || i == len(rm)-1 || v != rm[i-1]
		if candidate && v >= lo && v <= hi {
			cps = append(cps, i)
		}
	}
	return cps
}

// stepFill carries each change-point value forward, then back-fills before the first one.
func stepFill(n int, cps []int, rm []float64) []float64 {
	out := make([]float64, n)
	next := 0
	current := rm[cps[0]]
	for i := 0; i < n; i++ {
		for next < len(cps) && cps[next] <= i {
			current = rm[cps[next]]
			next++
		}
		out[i] = current
	}
	return out
}

// lowessFill smooths the change-points with LOWESS and interpolates the fitted curve in
// time onto every timestamp, holding the end values flat beyond the first and last fit.
func lowessFill(dates []time.Time, cps []int, rm []float64) []float64 {
	origin := dates[cps[0]]
	x := make([]float64, len(cps))
	y := make([]float64, len(cps))
	for j, i := range cps {
		x[j] = dates[i].Sub(origin).Seconds()
		y[j] = rm[i]
	}
	fit := lowess(x, y, lowessFrac, lowessIters)

	out := make([]float64, len(dates))
	for i, d := range dates {
		out[i] = interpClamped(x, fit, d.Sub(origin).Seconds())
	}
	return out
}

func interpClamped(x, y []float64, t float64) float64 {
	n := len(x)
	if t <= x[0] {
		return y[0]
	}
	if t >= x[n-1] {
		return y[n-1]
	}
	j := sort.SearchFloat64s(x, t)
	if x[j] == t {
		return y[j]
	}
	frac := (t - x[j-1]) / (x[j] - x[j-1])
	return y[j-1] + frac*(y[j]-y[j-1])
}
