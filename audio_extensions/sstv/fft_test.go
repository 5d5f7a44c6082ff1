package sstv

import (
	"math/rand"
	"testing"
)

func TestSNREstimator(t *testing.T) {
	est := NewSNREstimator(testRate)
	n := est.Size()

	if got := est.Estimate(sine(testRate, 1900, 0.5, 0, n)); got < 20 {
		t.Errorf("Clean video tone: SNR %.1f dB, expected at least 20", got)
	}

	rng := rand.New(rand.NewSource(7))
	noise := make([]float64, n)
	for i := range noise {
		noise[i] = rng.Float64() - 0.5
	}
	if got := est.Estimate(noise); got > 3 {
		t.Errorf("White noise: SNR %.1f dB, expected at most 3", got)
	}

	if got := est.Estimate(make([]float64, n)); got != snrFloorDB {
		t.Errorf("Silence: SNR %.1f dB, expected the floor", got)
	}
}

func TestWindowScaleForSNR(t *testing.T) {
	if got := windowScaleForSNR(40); got != 1 {
		t.Errorf("Clean signal should use the narrowest window, got %v", got)
	}
	if got := windowScaleForSNR(-40); got != windowLadder[len(windowLadder)-1] {
		t.Errorf("Noisy signal should use the widest window, got %v", got)
	}
	prev := 0.0
	for snr := 40.0; snr >= -40; snr -= 0.5 {
		scale := windowScaleForSNR(snr)
		if scale < prev {
			t.Fatalf("Window shrinks as SNR falls: %.1f dB -> %v after %v", snr, scale, prev)
		}
		prev = scale
	}
}
