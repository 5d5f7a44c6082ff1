package sstv

import (
	"errors"
	"math"
	"testing"
)

func TestTimingLinearInLine(t *testing.T) {
	tm := Timing{OriginMs: 123.4, LineMs: 150, PhaseOffsetMs: 0.7, SkewMsPerLine: 0.013}
	const rate = 11025.0
	base := tm.SampleOffset(0, 0, rate)
	for n := 0; n < 300; n += 7 {
		got := tm.SampleOffset(n, 0, rate) - base
		want := float64(n) * tm.SkewMsPerLine * rate / 1000
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("line %d: offset grew by %v, expected %v", n, got, want)
		}
	}
}

func TestTimingMonotonic(t *testing.T) {
	for _, skew := range []float64{0, 0.001, 0.5} {
		tm := Timing{LineMs: 508.48, SkewMsPerLine: skew}
		prev := math.Inf(-1)
		for n := 0; n < 248; n++ {
			for _, within := range []float64{0, 100, 508} {
				p := tm.Position(n, within, 12000)
				if p <= prev {
					t.Fatalf("skew %v: position went backwards at line %d (%v <= %v)", skew, n, p, prev)
				}
				prev = p
			}
		}
	}
}

func TestTimingTimeSecAgreesWithPosition(t *testing.T) {
	tm := Timing{OriginMs: 940, LineMs: 150, PhaseOffsetMs: -0.4, SkewMsPerLine: 0.02}
	const rate = 48000.0
	for _, n := range []int{0, 1, 17, 239} {
		sec := tm.TimeSec(n, 12.5)
		pos := tm.Position(n, 12.5, rate)
		if math.Abs(sec*rate-pos) > 1e-6 {
			t.Errorf("line %d: TimeSec %v does not match Position %v", n, sec*rate, pos)
		}
	}
}

func TestSyncStartIgnoresPhase(t *testing.T) {
	a := Timing{OriginMs: 100, LineMs: 150, SkewMsPerLine: 0.1}
	b := a
	b.PhaseOffsetMs = 3
	if a.SyncStartMs(10) != b.SyncStartMs(10) {
		t.Errorf("Phase offset moved the sync pulse: %v vs %v", a.SyncStartMs(10), b.SyncStartMs(10))
	}
	if got := a.SyncStartMs(10); math.Abs(got-(100+1500+1)) > 1e-9 {
		t.Errorf("Expected sync at 1601 ms, got %v", got)
	}
}

func TestPCMBufferDiscard(t *testing.T) {
	b := NewPCMBuffer(1000)
	b.Write([]int16{0, 16384, -16384, 8192})
	b.WriteFloat([]float64{0.1, 0.2})
	if b.Len() != 6 || b.Available() != 6 || b.First() != 0 {
		t.Fatalf("Unexpected shape: len %d available %d first %d", b.Len(), b.Available(), b.First())
	}
	if b.At(1) != 0.5 || b.At(5) != 0.2 {
		t.Errorf("Unexpected samples: %v %v", b.At(1), b.At(5))
	}

	b.Discard(3)
	if b.First() != 3 || b.Len() != 6 || b.Available() != 3 {
		t.Fatalf("After discard: first %d len %d available %d", b.First(), b.Len(), b.Available())
	}
	if b.At(3) != 0.25 {
		t.Errorf("Absolute index 3 should still read 0.25, got %v", b.At(3))
	}
	if _, err := Interpolate(b, 2.5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange before the first held sample, got %v", err)
	}
	v, err := Interpolate(b, 4.5)
	if err != nil || math.Abs(v-0.15) > 1e-12 {
		t.Errorf("Expected 0.15 at 4.5, got %v (%v)", v, err)
	}

	// Discarding backwards is a no-op; past the end empties the buffer.
	b.Discard(1)
	if b.First() != 3 {
		t.Errorf("Backward discard moved first to %d", b.First())
	}
	b.Discard(100)
	if b.Available() != 0 || b.First() != 6 || b.Len() != 6 {
		t.Errorf("After full discard: first %d len %d available %d", b.First(), b.Len(), b.Available())
	}

	b.Reset()
	if b.Len() != 0 || b.First() != 0 {
		t.Errorf("Reset did not restart indexing: first %d len %d", b.First(), b.Len())
	}
}

func TestFillInterpolatedMatchesAt(t *testing.T) {
	data := sine(8000, 440, 1, 0, 64)
	b := NewPCMBuffer(8000)
	b.WriteFloat(data)
	b.Discard(10)

	dst := make([]float64, 20)
	if err := fillInterpolated(b, 12.25, dst); err != nil {
		t.Fatal(err)
	}
	for k, v := range dst {
		want := data[12+k] + (data[13+k]-data[12+k])*0.25
		if math.Abs(v-want) > 1e-12 {
			t.Fatalf("sample %d: expected %v, got %v", k, want, v)
		}
	}
	if err := fillInterpolated(b, 9.5, dst); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange for discarded samples, got %v", err)
	}
	if err := fillInterpolated(b, 44, dst); err != nil {
		t.Errorf("Samples 44..63 are all held, got %v", err)
	}
	for _, start := range []float64{44.5, 45} {
		if err := fillInterpolated(b, start, dst); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("start %v: expected ErrOutOfRange past the end, got %v", start, err)
		}
	}
}
