package sstv

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
)

/*
 * Frequency Demodulator
 * Estimates the instantaneous tone frequency around a point in time.
 *
 * 1. Widen the window to at least two cycles of the lowest tone of interest
 * 2. Evaluate tone energy on a candidate grid spanning the tone range
 * 3. Gaussian interpolation of the peak (parabola through log energies)
 * 4. Refine with the phase advance of the peak component between two
 *    windows a few samples apart
 *
 * Windows below the noise floor, or whose peak holds a negligible share of the
 * window power, come back as low confidence with no frequency.
 */

const (
	defaultLoHz = 1000.0
	defaultHiHz = 2500.0

	// minToneRatio is the share of window power the peak component must hold.
	minToneRatio = 0.05

	maxGridStepHz = 100.0
	minGridStepHz = 5.0
)

// FreqEstimate is one on-demand frequency sample.
type FreqEstimate struct {
	Hz        float64 // zero when not Confident
	Confident bool
	Energy    float64 // mean-square energy of the peak component
	Power     float64 // mean-square power of the whole window
	WindowSec float64 // window width actually used
}

// FrequencyDemodulator turns windows of a SampleProvider into frequency
// estimates. Scratch buffers are reused across calls; not safe for
// concurrent use.
type FrequencyDemodulator struct {
	src        SampleProvider
	rate       float64
	est        *ToneEstimator
	loHz, hiHz float64
	noiseFloor float64

	grids    map[int][]float64
	energies []float64
	buf      []float64
}

// NewFrequencyDemodulator creates a demodulator over src. noiseFloor is the
// mean-square amplitude below which no frequency is reported.
func NewFrequencyDemodulator(src SampleProvider, noiseFloor float64) *FrequencyDemodulator {
	rate := src.SampleRate()
	hi := defaultHiHz
	if hi > 0.45*rate {
		hi = 0.45 * rate
	}
	return &FrequencyDemodulator{
		src:        src,
		rate:       rate,
		est:        NewToneEstimator(rate),
		loHz:       defaultLoHz,
		hiHz:       hi,
		noiseFloor: noiseFloor,
		grids:      make(map[int][]float64),
	}
}

// Estimator exposes the shared tone estimator.
func (d *FrequencyDemodulator) Estimator() *ToneEstimator { return d.est }

// SampleRate returns the source sample rate.
func (d *FrequencyDemodulator) SampleRate() float64 { return d.rate }

// MinWindowSec is the narrowest window the demodulator will use.
func (d *FrequencyDemodulator) MinWindowSec() float64 { return 2 / d.loHz }

// window returns n interpolated samples centered on centerSec, reusing the
// scratch buffer.
func (d *FrequencyDemodulator) window(centerSec float64, n int) ([]float64, error) {
	if cap(d.buf) < n {
		d.buf = make([]float64, n)
	}
	buf := d.buf[:n]
	start := centerSec*d.rate - float64(n-1)/2
	if err := fillInterpolated(d.src, start, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *FrequencyDemodulator) grid(n int) []float64 {
	if g, ok := d.grids[n]; ok {
		return g
	}
	step := d.rate / float64(n) / 2
	step = math.Max(minGridStepHz, math.Min(maxGridStepHz, step))
	var g []float64
	for f := d.loHz; f <= d.hiHz+1e-9; f += step {
		g = append(g, f)
	}
	d.grids[n] = g
	return g
}

// windowLength converts a window duration to a sample count, widening it to
// the minimum.
func (d *FrequencyDemodulator) windowLength(windowSec float64) int {
	if windowSec < d.MinWindowSec() {
		windowSec = d.MinWindowSec()
	}
	n := int(math.Round(windowSec * d.rate))
	if n < 8 {
		n = 8
	}
	return n
}

// EstimateFrequency returns the dominant tone frequency of a window centered
// at centerSec. It returns ErrOutOfRange when the window is not fully
// available from the source.
func (d *FrequencyDemodulator) EstimateFrequency(centerSec, windowSec float64) (FreqEstimate, error) {
	n := d.windowLength(windowSec)
	lag := n / 4
	if lag < 1 {
		lag = 1
	}

	// One span holds both refinement windows; the coarse search uses the
	// centered slice.
	span, err := d.window(centerSec, n+lag)
	if err != nil {
		return FreqEstimate{}, err
	}
	mid := span[lag/2 : lag/2+n]

	res := FreqEstimate{WindowSec: float64(n) / d.rate}
	res.Power = d.est.Power(mid)
	if res.Power <= d.noiseFloor || res.Power == 0 {
		return res, nil
	}

	grid := d.grid(n)
	if cap(d.energies) < len(grid) {
		d.energies = make([]float64, len(grid))
	}
	energies := d.energies[:len(grid)]
	d.est.Energies(mid, grid, energies)

	k := floats.MaxIdx(energies)
	res.Energy = energies[k]
	if res.Energy < minToneRatio*res.Power {
		return res, nil
	}

	coarse := grid[k]
	step := 0.0
	if len(grid) > 1 {
		step = grid[1] - grid[0]
	}
	if k > 0 && k < len(grid)-1 {
		coarse += step * gaussianPeak(energies[k-1], energies[k], energies[k+1])
	}

	res.Hz = d.refine(span, n, lag, coarse, step)
	res.Confident = true
	return res, nil
}

// refine measures the phase advance of the component nearest the coarse
// estimate between two windows lag samples apart.
func (d *FrequencyDemodulator) refine(span []float64, n, lag int, coarse, step float64) float64 {
	fc := math.Round(coarse)
	z1 := d.est.Component(span[:n], fc)
	z2 := d.est.Component(span[lag:lag+n], fc)
	if cmplx.Abs(z1) == 0 || cmplx.Abs(z2) == 0 {
		return coarse
	}
	rot := cmplx.Rect(1, -2*math.Pi*fc*float64(lag)/d.rate)
	dphi := cmplx.Phase(z2 * cmplx.Conj(z1) * rot)
	f := fc + dphi*d.rate/(2*math.Pi*float64(lag))
	if step > 0 && math.Abs(f-coarse) > step {
		return coarse
	}
	return f
}

// gaussianPeak returns the fractional offset (in grid steps) of the peak of a
// Gaussian through three neighbouring energies.
func gaussianPeak(a, b, c float64) float64 {
	const eps = 1e-30
	la, lb, lc := math.Log(a+eps), math.Log(b+eps), math.Log(c+eps)
	den := 2 * (2*lb - la - lc)
	if den <= 0 {
		return 0
	}
	off := (lc - la) / den
	if off > 0.5 {
		off = 0.5
	} else if off < -0.5 {
		off = -0.5
	}
	return off
}

// ToneRatio reports how much of the window power sits at freq. It is the
// building block for sync detection, where only presence of one tone matters.
func (d *FrequencyDemodulator) ToneRatio(centerSec, windowSec, freq float64) (float64, error) {
	n := d.windowLength(windowSec)
	w, err := d.window(centerSec, n)
	if err != nil {
		return 0, err
	}
	p := d.est.Power(w)
	if p <= d.noiseFloor || p == 0 {
		return 0, nil
	}
	return d.est.Energy(w, freq) / p, nil
}
