package sstv

import (
	"math"

	"github.com/mjibson/go-dsp/window"
)

/*
 * Tone Energy Estimator
 * Tapered Goertzel recurrence evaluated at arbitrary (non-bin) frequencies.
 *
 * - Blackman taper per window length (sidelobes ~58 dB down, which keeps the
 *   negative-frequency image of short windows out of the estimate)
 * - Recurrence and phase coefficients cached per (frequency, length); the
 *   estimator is bound to one sample rate so the rate completes the key
 * - Output normalized so a sinusoid of amplitude A reports A*A/2 regardless
 *   of window length
 */

// maxCachedCoefficients bounds the coefficient cache. Refinement
// frequencies are quantized to 1 Hz, so the cache normally stays far below it.
const maxCachedCoefficients = 16384

type toneKey struct {
	freq float64
	n    int
}

type toneCoeff struct {
	coeff      float64 // 2cos(w)
	cosw, sinw float64
	// e^{-jw(N-1)}, moves the Goertzel output phase to the window start
	cosRef, sinRef float64
}

type taper struct {
	w   []float64
	sum float64
}

// ToneEstimator measures narrow-band energy at arbitrary frequencies.
// It caches coefficients and is not safe for concurrent use.
type ToneEstimator struct {
	rate   float64
	coeffs map[toneKey]toneCoeff
	tapers map[int]taper
}

// NewToneEstimator creates an estimator for one sample rate.
func NewToneEstimator(rate float64) *ToneEstimator {
	return &ToneEstimator{
		rate:   rate,
		coeffs: make(map[toneKey]toneCoeff),
		tapers: make(map[int]taper),
	}
}

// SampleRate returns the rate the estimator was built for.
func (t *ToneEstimator) SampleRate() float64 { return t.rate }

func (t *ToneEstimator) taperFor(n int) taper {
	if tp, ok := t.tapers[n]; ok {
		return tp
	}
	w := window.Blackman(n)
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	tp := taper{w: w, sum: sum}
	t.tapers[n] = tp
	return tp
}

func (t *ToneEstimator) coefficient(freq float64, n int) toneCoeff {
	key := toneKey{freq: freq, n: n}
	if c, ok := t.coeffs[key]; ok {
		return c
	}
	if len(t.coeffs) >= maxCachedCoefficients {
		t.coeffs = make(map[toneKey]toneCoeff)
	}
	w := 2 * math.Pi * freq / t.rate
	ref := -w * float64(n-1)
	c := toneCoeff{
		coeff:  2 * math.Cos(w),
		cosw:   math.Cos(w),
		sinw:   math.Sin(w),
		cosRef: math.Cos(ref),
		sinRef: math.Sin(ref),
	}
	t.coeffs[key] = c
	return c
}

// Component returns the tapered DTFT of the window at freq, referenced to the
// first sample and normalized so a sinusoid A*cos(wn+p) yields (A/2)e^{jp}.
func (t *ToneEstimator) Component(samples []float64, freq float64) complex128 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	tp := t.taperFor(n)
	c := t.coefficient(freq, n)

	var s1, s2 float64
	for i, x := range samples {
		s0 := x*tp.w[i] + c.coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	// y[N-1] = s1 - e^{-jw} s2
	re := s1 - s2*c.cosw
	im := s2 * c.sinw
	// rotate by e^{-jw(N-1)}
	xr := re*c.cosRef - im*c.sinRef
	xi := re*c.sinRef + im*c.cosRef
	return complex(xr/tp.sum, xi/tp.sum)
}

// Energy returns the mean-square power of the freq component in the window.
func (t *ToneEstimator) Energy(samples []float64, freq float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	tp := t.taperFor(n)
	c := t.coefficient(freq, n)

	var s1, s2 float64
	for i, x := range samples {
		s0 := x*tp.w[i] + c.coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	mag2 := s1*s1 + s2*s2 - c.coeff*s1*s2
	if mag2 < 0 {
		mag2 = 0
	}
	return 2 * mag2 / (tp.sum * tp.sum)
}

// Energies evaluates every frequency in freqs against the same window and
// stores the results in out, which must be at least len(freqs) long.
func (t *ToneEstimator) Energies(samples []float64, freqs []float64, out []float64) {
	for i, f := range freqs {
		out[i] = t.Energy(samples, f)
	}
}

// Power returns the taper-weighted mean square of the window, the reference
// the tone energies are compared against.
func (t *ToneEstimator) Power(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	tp := t.taperFor(n)
	var acc, wsum float64
	for i, x := range samples {
		acc += tp.w[i] * x * x
		wsum += tp.w[i]
	}
	if wsum == 0 {
		return 0
	}
	return acc / wsum
}
