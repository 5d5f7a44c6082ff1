package sstv

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

/*
 * Slant Correction
 *
 * A receiver whose sample clock differs from the transmitter's sees every
 * sync pulse arrive a little earlier or later than the nominal line period
 * predicts, and the error grows linearly with the line index. The decoded
 * image leans. Each verified pulse contributes a residual (observed leading
 * edge minus the prediction made at lock time); a least-squares line through
 * the residuals gives a skew (ms/line) and a phase correction (ms) that are
 * folded back into the timing model.
 */

const (
	minSkewObservations = 8
	// maxSkewFraction bounds the fitted skew to a share of the line period
	// (1% is a 10000 ppm clock error, far beyond any sound card).
	maxSkewFraction = 0.01
)

// skewFit accumulates sync residuals for one locked image.
type skewFit struct {
	lineMs       float64
	maxIntercept float64

	lines []float64
	resid []float64

	slope, intercept float64
	ok               bool
}

func newSkewFit(lineMs, maxInterceptMs float64) *skewFit {
	return &skewFit{lineMs: lineMs, maxIntercept: maxInterceptMs}
}

// add records the residual of line n and refits.
func (f *skewFit) add(line int, residualMs float64) {
	f.lines = append(f.lines, float64(line))
	f.resid = append(f.resid, residualMs)
	f.solve()
}

// Observations returns the number of residuals recorded.
func (f *skewFit) Observations() int { return len(f.lines) }

func (f *skewFit) solve() {
	if len(f.lines) < minSkewObservations {
		f.ok = false
		return
	}
	alpha, beta := stat.LinearRegression(f.lines, f.resid, nil, false)

	// One pass of outlier rejection: a pulse detected on the wrong feature
	// should not drag the fit.
	limit := f.maxIntercept / 2
	var xs, ys []float64
	for i, x := range f.lines {
		if math.Abs(f.resid[i]-(alpha+beta*x)) <= limit {
			xs = append(xs, x)
			ys = append(ys, f.resid[i])
		}
	}
	if len(xs) >= minSkewObservations && len(xs) < len(f.lines) {
		alpha, beta = stat.LinearRegression(xs, ys, nil, false)
	}
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		f.ok = false
		return
	}

	maxSlope := maxSkewFraction * f.lineMs
	f.slope = math.Max(-maxSlope, math.Min(maxSlope, beta))
	f.intercept = math.Max(-f.maxIntercept, math.Min(f.maxIntercept, alpha))
	f.ok = true
}

// apply folds the fit into t. Without enough observations t is unchanged.
func (f *skewFit) apply(t Timing) Timing {
	if !f.ok {
		return t
	}
	t.OriginMs += f.intercept
	t.SkewMsPerLine += f.slope
	return t
}
