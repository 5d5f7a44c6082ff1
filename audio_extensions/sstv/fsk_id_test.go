package sstv

import (
	"math"
	"testing"
)

func fskSource(callsign string, shift, leadMs float64) *SliceSource {
	e := NewEncoder(testRate)
	e.shiftHz = shift
	e.Silence(leadMs)
	e.FSKID(callsign)
	e.Silence(300)
	return NewSliceSource(testRate, e.Samples())
}

func TestFSKIDDecode(t *testing.T) {
	tests := []struct {
		name     string
		callsign string
		shift    float64
		leadMs   float64
		want     string
	}{
		{"aligned", "N0CALL", 0, 0, "N0CALL"},
		{"offset start", "KA9Q", 0, 137.5, "KA9Q"},
		{"lower case", "w1aw", 0, 20.5, "W1AW"},
		{"shifted", "VK2XYZ", 40, 60.5, "VK2XYZ"},
		{"truncated", "ABCDEFGHIJKL", 0, 10, "ABCDEFGHIJ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fskSource(tt.callsign, tt.shift, tt.leadMs)
			dec := NewFSKIDDecoder(NewFrequencyDemodulator(src, 1e-7), tt.shift)
			got, ok := dec.Decode(0, float64(src.Len())/testRate)
			if !ok {
				t.Fatalf("No callsign decoded")
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			end := (tt.leadMs + float64(len(fskBytes(tt.callsign))*6)*fskBitMs) / 1000
			if math.Abs(dec.EndSec()-end) > fskBitMs/2000 {
				t.Errorf("Expected the ID to end at %.4f s, got %.4f", end, dec.EndSec())
			}
		})
	}
}

func TestFSKIDNothingToDecode(t *testing.T) {
	silent := NewSliceSource(testRate, make([]float64, int(testRate)))
	if got, ok := NewFSKIDDecoder(NewFrequencyDemodulator(silent, 1e-7), 0).Decode(0, 0.9); ok {
		t.Errorf("Decoded %q from silence", got)
	}

	tone := toneSource(testRate, [2]float64{1900, 1000})
	if got, ok := NewFSKIDDecoder(NewFrequencyDemodulator(tone, 1e-7), 0).Decode(0, 0.9); ok {
		t.Errorf("Decoded %q from a steady tone", got)
	}

	if _, ok := NewFSKIDDecoder(NewFrequencyDemodulator(tone, 1e-7), 0).Decode(0.5, 0.4); ok {
		t.Error("Decoded from an empty range")
	}
}

func TestReadFSK(t *testing.T) {
	var bits []int8
	for _, c := range fskBytes("AB") {
		for b := 0; b < 6; b++ {
			v := int8((c >> uint(b)) & 1)
			for k := 0; k < 22; k++ {
				bits = append(bits, v)
			}
		}
	}
	if got, ok := readFSK(bits, 0); !ok || got != "AB" {
		t.Errorf("Expected \"AB\", got %q (%v)", got, ok)
	}
	if _, ok := readFSK(bits, 22); ok {
		t.Error("Misaligned read should not pass the preamble")
	}
}
