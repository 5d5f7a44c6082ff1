package sstv

import (
	"math"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	img := gradientImage(320, 240)
	tests := []struct {
		name      string
		opt       EncodeOptions
		visEnd    float64
		imageSecs float64
	}{
		{"eight bit header", EncodeOptions{}, 0.940, 36},
		{"classic header", EncodeOptions{Layout: VISLayoutClassic}, 0.910, 36},
		{"no header", EncodeOptions{NoVIS: true}, 0, 36},
		{"lead silence", EncodeOptions{LeadSilenceMs: 500}, 1.440, 36},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := Encode(Robot36, img, 8000, tt.opt)
			if math.Abs(tx.VISEndSec-tt.visEnd) > 1e-9 {
				t.Errorf("Expected header end %.3f s, got %.6f", tt.visEnd, tx.VISEndSec)
			}
			start := tt.visEnd
			if tt.opt.NoVIS {
				start = tt.opt.LeadSilenceMs / 1000
			}
			if math.Abs(tx.ImageStartSec-start) > 1e-9 {
				t.Errorf("Expected image start %.3f s, got %.6f", start, tx.ImageStartSec)
			}
			if math.Abs(tx.ImageEndSec-tx.ImageStartSec-tt.imageSecs) > 1e-6 {
				t.Errorf("Expected %.1f s of image, got %.6f", tt.imageSecs, tx.ImageEndSec-tx.ImageStartSec)
			}
			if want := int(math.Round(tx.ImageEndSec * 8000)); len(tx.Samples) != want {
				t.Errorf("Expected %d samples, got %d", want, len(tx.Samples))
			}
		})
	}
}

func TestEncodeClockError(t *testing.T) {
	img := gradientImage(320, 240)
	plain := Encode(Robot36, img, 8000, EncodeOptions{NoVIS: true})
	fast := Encode(Robot36, img, 8000, EncodeOptions{NoVIS: true, ClockErrorPPM: 1000})
	ratio := float64(len(fast.Samples)) / float64(len(plain.Samples))
	if math.Abs(ratio-1.001) > 1e-5 {
		t.Errorf("Expected the signal to stretch by 1000 ppm, ratio %.6f", ratio)
	}
	if math.Abs(fast.ImageEndSec-36.036) > 1e-6 {
		t.Errorf("Expected the image to end at 36.036 s on the receiver clock, got %.6f", fast.ImageEndSec)
	}
}

func TestEncoderPhaseContinuity(t *testing.T) {
	e := NewEncoder(8000)
	e.Tone(1200, 10.03)
	e.Tone(1500, 7.77)
	s := e.Samples()
	// With amplitude 0.5, consecutive samples of a tone below 1600 Hz at
	// 8 kHz never differ by more than 2*0.5*sin(pi*1500/8000).
	limit := 2*encoderAmplitude*math.Sin(math.Pi*1500/8000) + 1e-9
	for i := 1; i < len(s); i++ {
		if math.Abs(s[i]-s[i-1]) > limit {
			t.Fatalf("Discontinuity at sample %d: %v -> %v", i, s[i-1], s[i])
		}
	}
	if want := int(math.Round(0.0178 * 8000)); len(s) != want {
		t.Errorf("Expected %d samples, got %d", want, len(s))
	}
}

func TestTransmissionPCM(t *testing.T) {
	tx := &Transmission{Samples: []float64{0, 0.5, -1, 2}, Rate: 8000}
	pcm := tx.PCM()
	want := []int16{0, 16384, -32767, 32767}
	for i := range want {
		if pcm[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], pcm[i])
		}
	}
}

func TestFSKBytes(t *testing.T) {
	got := fskBytes("ka9q")
	want := []uint8{0x20, 0x2A, 'K' - 0x20, 'A' - 0x20, '9' - 0x20, 'Q' - 0x20, 0x01}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: expected 0x%02X, got 0x%02X", i, want[i], got[i])
		}
	}
	if n := len(fskBytes("ABCDEFGHIJKLMNOP")); n != 2+fskMaxChar+1 {
		t.Errorf("Expected callsign truncated to %d characters, got %d bytes", fskMaxChar, n)
	}
}
