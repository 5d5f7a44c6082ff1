package sstv

import (
	"errors"
	"math"
	"testing"
)

func TestSyncScanFindsTrailingEdge(t *testing.T) {
	for _, rate := range []float64{11025, 48000} {
		src := toneSource(rate,
			[2]float64{0, 50},
			[2]float64{BlackHz, 100},
			[2]float64{SyncHz, 20},
			[2]float64{BlackHz, 50},
			[2]float64{1900, 100},
			[2]float64{0, 200},
		)
		det := newSyncDetector(NewFrequencyDemodulator(src, 1e-7), 20, 0)
		p, found, err := det.scan(0.10, 0.25)
		if err != nil {
			t.Fatalf("rate %v: %v", rate, err)
		}
		if !found {
			t.Fatalf("rate %v: no pulse found", rate)
		}
		if math.Abs(p.EdgeSec-0.170) > 0.0005 {
			t.Errorf("rate %v: expected trailing edge at 0.170 s, got %.5f", rate, p.EdgeSec)
		}
		if math.Abs(p.StartSec-(p.EdgeSec-0.020)) > 1e-12 {
			t.Errorf("rate %v: leading edge %.5f is not edge minus sync", rate, p.StartSec)
		}
		if p.Score < 0.8 {
			t.Errorf("rate %v: expected a strong pulse, score %.2f", rate, p.Score)
		}
	}
}

func TestSyncScanRejectsVideo(t *testing.T) {
	src := toneSource(testRate,
		[2]float64{BlackHz, 100},
		[2]float64{SyncHz, 20},
		[2]float64{BlackHz, 50},
		[2]float64{1900, 100},
		[2]float64{2300, 100},
		[2]float64{0, 200},
	)
	det := newSyncDetector(NewFrequencyDemodulator(src, 1e-7), 20, 0)
	_, found, err := det.scan(0.18, 0.33)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("Expected no pulse in porch and video")
	}
}

func TestSyncScanShorterPulse(t *testing.T) {
	// A 9 ms pulse searched for as a 20 ms one scores below threshold.
	src := toneSource(testRate,
		[2]float64{BlackHz, 100},
		[2]float64{SyncHz, 9},
		[2]float64{BlackHz, 100},
	)
	demod := NewFrequencyDemodulator(src, 1e-7)
	if _, found, err := newSyncDetector(demod, 20, 0).scan(0.10, 0.12); err != nil || found {
		t.Errorf("20 ms detector accepted a 9 ms pulse (found %v, err %v)", found, err)
	}
	p, found, err := newSyncDetector(demod, 9, 0).scan(0.10, 0.12)
	if err != nil || !found {
		t.Fatalf("9 ms detector missed the pulse (err %v)", err)
	}
	if math.Abs(p.EdgeSec-0.109) > 0.0005 {
		t.Errorf("Expected edge at 0.109 s, got %.5f", p.EdgeSec)
	}
}

func TestSyncScanFollowsShift(t *testing.T) {
	const shift = 50.0
	src := toneSource(testRate,
		[2]float64{BlackHz + shift, 100},
		[2]float64{SyncHz + shift, 20},
		[2]float64{BlackHz + shift, 100},
	)
	p, found, err := newSyncDetector(NewFrequencyDemodulator(src, 1e-7), 20, shift).scan(0.11, 0.13)
	if err != nil || !found {
		t.Fatalf("Pulse not found with shift (err %v)", err)
	}
	if math.Abs(p.EdgeSec-0.120) > 0.0005 {
		t.Errorf("Expected edge at 0.120 s, got %.5f", p.EdgeSec)
	}
}

func TestSyncScanOutOfRange(t *testing.T) {
	src := toneSource(testRate, [2]float64{SyncHz, 20}, [2]float64{BlackHz, 10})
	det := newSyncDetector(NewFrequencyDemodulator(src, 1e-7), 20, 0)
	if _, _, err := det.scan(0.02, 0.05); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if last := det.lastEdgeSec(src.Len()); last > 0.03-0.003 {
		t.Errorf("lastEdgeSec %.4f leaves no room for the porch", last)
	}
	if first := det.firstEdgeSec(0); first < 0.020 {
		t.Errorf("firstEdgeSec %.4f leaves no room for the pulse", first)
	}
}

func TestSkewFit(t *testing.T) {
	f := newSkewFit(150, 4)
	for n := 0; n < minSkewObservations-1; n++ {
		f.add(n, 0.3+0.05*float64(n))
	}
	base := Timing{OriginMs: 1000, LineMs: 150}
	if got := f.apply(base); got != base {
		t.Errorf("Fit applied with %d observations: %+v", f.Observations(), got)
	}

	for n := minSkewObservations - 1; n < 20; n++ {
		f.add(n, 0.3+0.05*float64(n))
	}
	got := f.apply(base)
	if math.Abs(got.SkewMsPerLine-0.05) > 1e-9 || math.Abs(got.OriginMs-1000.3) > 1e-9 {
		t.Errorf("Expected skew 0.05 and origin 1000.3, got %+v", got)
	}
}

func TestSkewFitRejectsOutlier(t *testing.T) {
	f := newSkewFit(150, 4)
	for n := 0; n < 20; n++ {
		r := 0.02 * float64(n)
		if n == 10 {
			r += 3
		}
		f.add(n, r)
	}
	got := f.apply(Timing{LineMs: 150})
	if math.Abs(got.SkewMsPerLine-0.02) > 1e-9 || math.Abs(got.OriginMs) > 1e-9 {
		t.Errorf("Outlier dragged the fit: %+v", got)
	}
}

func TestSkewFitClamps(t *testing.T) {
	f := newSkewFit(150, 4)
	for n := 0; n < 10; n++ {
		f.add(n, 10+5*float64(n))
	}
	got := f.apply(Timing{LineMs: 150})
	if math.Abs(got.SkewMsPerLine-1.5) > 1e-9 {
		t.Errorf("Expected skew clamped to 1.5 ms/line, got %v", got.SkewMsPerLine)
	}
	if math.Abs(got.OriginMs-4) > 1e-9 {
		t.Errorf("Expected intercept clamped to 4 ms, got %v", got.OriginMs)
	}
}
