package sstv

import (
	"math"

	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/fourier"
)

/*
 * SNR estimation
 * Compares spectral density in the video band (1500-2300 Hz) against the
 * quiet bands on either side of the SSTV signal (400-800 Hz, 2700-3400 Hz).
 * Used once per line to pick the demodulation window width.
 */

const (
	snrFFTSize = 1024
	snrCeilDB  = 60.0
	snrFloorDB = -20.0
)

// SNREstimator is bound to one sample rate and reuses its FFT buffers.
type SNREstimator struct {
	rate   float64
	fft    *fourier.FFT
	hann   []float64
	in     []float64
	coeffs []complex128
}

// NewSNREstimator creates an estimator for the given sample rate.
func NewSNREstimator(rate float64) *SNREstimator {
	return &SNREstimator{
		rate:   rate,
		fft:    fourier.NewFFT(snrFFTSize),
		hann:   window.Hann(snrFFTSize),
		in:     make([]float64, snrFFTSize),
		coeffs: make([]complex128, snrFFTSize/2+1),
	}
}

// Size is the number of samples Estimate consumes.
func (s *SNREstimator) Size() int { return snrFFTSize }

// Estimate returns the SNR in dB of exactly Size() samples.
func (s *SNREstimator) Estimate(samples []float64) float64 {
	for i := range s.in {
		v := 0.0
		if i < len(samples) {
			v = samples[i]
		}
		s.in[i] = v * s.hann[i]
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.in)

	video := s.bandDensity(1500, 2300)
	noise := s.bandDensity(400, 800)
	if hi := math.Min(3400, s.rate/2-100); hi > 2700 {
		noise = (noise + s.bandDensity(2700, hi)) / 2
	}

	if noise <= 0 {
		if video <= 0 {
			return snrFloorDB
		}
		return snrCeilDB
	}
	sig := video - noise
	if sig <= 0 {
		return snrFloorDB
	}
	db := 10 * math.Log10(sig/noise)
	return math.Max(snrFloorDB, math.Min(snrCeilDB, db))
}

// bandDensity is the mean power per FFT bin between lo and hi Hz.
func (s *SNREstimator) bandDensity(lo, hi float64) float64 {
	a := int(math.Ceil(lo / s.rate * snrFFTSize))
	b := int(math.Floor(hi / s.rate * snrFFTSize))
	if b >= len(s.coeffs) {
		b = len(s.coeffs) - 1
	}
	if a > b {
		return 0
	}
	sum := 0.0
	for k := a; k <= b; k++ {
		c := s.coeffs[k]
		sum += real(c)*real(c) + imag(c)*imag(c)
	}
	return sum / float64(b-a+1)
}

// windowLadder holds demodulation window widths relative to the minimum,
// from clean to noisy.
var windowLadder = []float64{1, 4.0 / 3, 2, 8.0 / 3, 16.0 / 3, 32.0 / 3, 64.0 / 3}

// windowScaleForSNR picks a ladder step for a measured SNR.
func windowScaleForSNR(snrDB float64) float64 {
	switch {
	case snrDB >= 20:
		return windowLadder[0]
	case snrDB >= 10:
		return windowLadder[1]
	case snrDB >= 9:
		return windowLadder[2]
	case snrDB >= 3:
		return windowLadder[3]
	case snrDB >= -5:
		return windowLadder[4]
	case snrDB >= -10:
		return windowLadder[5]
	default:
		return windowLadder[6]
	}
}
