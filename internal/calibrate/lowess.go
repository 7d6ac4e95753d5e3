package calibrate

import (
	"math"
	"sort"
)

const (
	lowessFrac  = 2.0 / 3.0
	lowessIters = 3
)

// lowess fits a locally weighted linear regression of y on x and returns the fitted value
// at every x. x must be sorted ascending. Each local fit uses the floor(frac*n) nearest
// neighbours with tricube distance weights. The iters robustifying passes down-weight
// points with large residuals using bisquare weights on residual / (6 * median |residual|).
func lowess(x, y []float64, frac float64, iters int) []float64 {
	n := len(x)
	fitted := make([]float64, n)
	if n == 0 {
		return fitted
	}
	if n == 1 {
		fitted[0] = y[0]
		return fitted
	}

	k := int(frac*float64(n) + 1e-10)
	if k < 2 {
		k = 2
	}
	if k > n {
		k = n
	}

	robust := make([]float64, n)
	for i := range robust {
		robust[i] = 1
	}

	for it := 0; ; it++ {
		left := 0
		for i := 0; i < n; i++ {
			for left+k < n && x[i]-x[left] > x[left+k]-x[i] {
				left++
			}
			right := left + k - 1
			radius := math.Max(x[i]-x[left], x[right]-x[i])
			fitted[i] = localLinearFit(x, y, robust, i, left, right, radius)
		}

		if it >= iters {
			break
		}

		residuals := make([]float64, n)
		for i := range residuals {
			residuals[i] = math.Abs(y[i] - fitted[i])
		}
		s := median(residuals)
		if s == 0 {
			break
		}
		for i, r := range residuals {
			robust[i] = bisquare(r / (6 * s))
		}
	}
	return fitted
}

func localLinearFit(x, y, robust []float64, i, left, right int, radius float64) float64 {
	var sw, swx, swy float64
	weights := make([]float64, right-left+1)
	for j := left; j <= right; j++ {
		w := robust[j]
		if radius > 0 {
			w *= tricube(math.Abs(x[j]-x[i]) / radius)
		}
		weights[j-left] = w
		sw += w
		swx += w * x[j]
		swy += w * y[j]
	}
	if sw <= 0 {
		return y[i]
	}

	xm, ym := swx/sw, swy/sw
	var sxx, sxy float64
	for j := left; j <= right; j++ {
		w := weights[j-left]
		dx := x[j] - xm
		sxx += w * dx * dx
		sxy += w * dx * (y[j] - ym)
	}
	if sxx <= 1e-12*(radius*radius)*sw {
		return ym
	}
	return ym + (sxy/sxx)*(x[i]-xm)
}

func tricube(d float64) float64 {
	if d >= 1 {
		return 0
	}
	c := 1 - d*d*d
	return c * c * c
}

func bisquare(u float64) float64 {
	if math.Abs(u) >= 1 {
		return 0
	}
	c := 1 - u*u
	return c * c
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// percentile returns the q-th quantile (0..1) using linear interpolation between
// closest ranks, the same definition as numpy's default.
func percentile(v []float64, q float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	if len(s) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return s[lo] + (pos-float64(lo))*(s[hi]-s[lo])
}
