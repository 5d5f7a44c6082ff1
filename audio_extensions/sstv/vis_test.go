package sstv

import (
	"errors"
	"math"
	"testing"
)

// headerSource renders silence, a VIS header with the given bits (data then
// parity), a 20 ms sync and porch, then silence.
func headerSource(rate, shift float64, layout VISLayout, bits []int) (*SliceSource, float64) {
	e := NewEncoder(rate)
	e.shiftHz = shift
	e.Silence(50)
	e.Tone(visLeaderHz, 300)
	e.Tone(SyncHz, 10)
	e.Tone(visLeaderHz, 300)
	e.Tone(SyncHz, visBitMs)
	for _, b := range bits {
		e.Tone(layout.BitHz(b), visBitMs)
	}
	e.Tone(SyncHz, visBitMs)
	end := e.TimeSec()
	e.Tone(SyncHz, 20)
	e.Tone(BlackHz, 100)
	e.Silence(200)
	return NewSliceSource(rate, e.Samples()), end
}

func stepVIS(src SampleProvider, layout VISLayout) (*VISResult, error) {
	d := NewVISDecoder(NewFrequencyDemodulator(src, 1e-7), layout, 0, false)
	return d.Step()
}

func TestVISRoundTrip(t *testing.T) {
	for _, layout := range []VISLayout{VISLayoutEightBit, VISLayoutClassic} {
		for _, m := range Modes() {
			t.Run(layout.String()+"/"+m.ShortName, func(t *testing.T) {
				src, end := headerSource(testRate, 0, layout, layout.HeaderBits(m.VIS))
				res, err := stepVIS(src, layout)
				if err != nil {
					t.Fatalf("Step failed: %v", err)
				}
				if res.Mode != m || res.Code != m.VIS {
					t.Errorf("Expected %s (0x%02X), got %v (0x%02X)", m.Name, m.VIS, res.Mode, res.Code)
				}
				if math.Abs(res.EndSec-end) > 0.008 {
					t.Errorf("Expected header end %.4f s, got %.4f", end, res.EndSec)
				}
				if math.Abs(res.ShiftHz) > 3 {
					t.Errorf("Expected no shift, got %.1f Hz", res.ShiftHz)
				}
				if res.Confidence < 0.8 {
					t.Errorf("Expected a clear header, confidence %.2f", res.Confidence)
				}
			})
		}
	}
}

func TestVISMeasuresShift(t *testing.T) {
	for _, shift := range []float64{-60, 45} {
		src, _ := headerSource(testRate, shift, VISLayoutEightBit, VISLayoutEightBit.HeaderBits(PD120.VIS))
		res, err := stepVIS(src, VISLayoutEightBit)
		if err != nil {
			t.Fatalf("shift %v: %v", shift, err)
		}
		if res.Mode != PD120 {
			t.Errorf("shift %v: expected PD-120, got %v", shift, res.Mode)
		}
		if math.Abs(res.ShiftHz-shift) > 3 {
			t.Errorf("Expected shift %v Hz, measured %.1f", shift, res.ShiftHz)
		}
	}
}

func TestVISParityError(t *testing.T) {
	bits := VISLayoutEightBit.HeaderBits(0x08)
	bits[len(bits)-1] ^= 1
	src, _ := headerSource(testRate, 0, VISLayoutEightBit, bits)
	_, err := stepVIS(src, VISLayoutEightBit)
	if !errors.Is(err, ErrVISParity) {
		t.Fatalf("Expected ErrVISParity, got %v", err)
	}
	var ve *VISError
	if !errors.As(err, &ve) || ve.Code != 0x08 {
		t.Errorf("Expected code 0x08 in the error, got %+v", ve)
	}
}

func TestVISUnknownCode(t *testing.T) {
	src, _ := headerSource(testRate, 0, VISLayoutEightBit, VISLayoutEightBit.HeaderBits(0x01))
	_, err := stepVIS(src, VISLayoutEightBit)
	if !errors.Is(err, ErrVISUnknownCode) {
		t.Fatalf("Expected ErrVISUnknownCode, got %v", err)
	}
	var ve *VISError
	if !errors.As(err, &ve) || ve.Code != 0x01 {
		t.Errorf("Expected code 0x01 in the error, got %+v", ve)
	}
}

func TestVISNeedsMoreSamples(t *testing.T) {
	src, _ := headerSource(testRate, 0, VISLayoutEightBit, VISLayoutEightBit.HeaderBits(0x5F))
	half := NewSliceSource(testRate, src.Data[:len(src.Data)/2])
	if _, err := stepVIS(half, VISLayoutEightBit); !errors.Is(err, errNeedMore) {
		t.Errorf("Expected errNeedMore on a partial header, got %v", err)
	}

	silent := NewSliceSource(testRate, make([]float64, int(testRate)))
	if _, err := stepVIS(silent, VISLayoutEightBit); !errors.Is(err, errNeedMore) {
		t.Errorf("Expected errNeedMore on silence, got %v", err)
	}
}

func TestVISLeaderAtFirstSample(t *testing.T) {
	full, _ := headerSource(testRate, 0, VISLayoutEightBit, VISLayoutEightBit.HeaderBits(Robot36.VIS))
	lead := int(math.Round(0.050 * testRate))

	streamed := NewPCMBuffer(testRate)
	streamed.WriteFloat(full.Data)
	streamed.Discard(lead)

	partial := NewPCMBuffer(testRate)
	partial.WriteFloat(full.Data)
	partial.Discard(lead + 40)

	tests := []struct {
		name string
		src  SampleProvider
	}{
		{"slice", NewSliceSource(testRate, full.Data[lead:])},
		{"buffer", streamed},
		{"buffer_mid_leader", partial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := stepVIS(tt.src, VISLayoutEightBit)
			if err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if res.Mode != Robot36 {
				t.Errorf("Expected Robot 36, got %v", res.Mode)
			}
		})
	}
}

func TestVISStreamsFromFirstSample(t *testing.T) {
	full, _ := headerSource(testRate, 0, VISLayoutEightBit, VISLayoutEightBit.HeaderBits(PD120.VIS))
	data := full.Data[int(math.Round(0.050*testRate)):]

	buf := NewPCMBuffer(testRate)
	d := NewVISDecoder(NewFrequencyDemodulator(buf, 1e-7), VISLayoutEightBit, 0, false)
	var res *VISResult
	for i := 0; i < len(data) && res == nil; i += 256 {
		end := i + 256
		if end > len(data) {
			end = len(data)
		}
		buf.WriteFloat(data[i:end])
		r, err := d.Step()
		switch {
		case err == nil:
			res = r
		case !errors.Is(err, errNeedMore):
			t.Fatalf("chunk at %d: %v", i, err)
		}
		buf.Discard(int(math.Floor(d.KeepFromSec() * testRate)))
	}
	if res == nil || res.Mode != PD120 {
		t.Fatalf("Expected PD-120 from a streamed header, got %+v", res)
	}
}

func TestVISHeaderBits(t *testing.T) {
	bits := VISLayoutEightBit.HeaderBits(0x5F)
	want := []int{1, 1, 1, 1, 1, 0, 1, 0, 0}
	if len(bits) != len(want) {
		t.Fatalf("Expected %d bits, got %d", len(want), len(bits))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Errorf("bit %d: expected %d, got %d", i, want[i], bits[i])
		}
	}
	if n := len(VISLayoutClassic.HeaderBits(0x08)); n != 8 {
		t.Errorf("Classic layout should send 7 data bits and parity, got %d", n)
	}
	if VISLayoutEightBit.BitHz(1) != 1300 || VISLayoutClassic.BitHz(1) != 1100 {
		t.Error("Bit tones swapped between layouts")
	}
}

func TestParseVISLayout(t *testing.T) {
	for s, want := range map[string]VISLayout{"": VISLayoutEightBit, "eight_bit": VISLayoutEightBit, "Classic": VISLayoutClassic} {
		got, err := ParseVISLayout(s)
		if err != nil || got != want {
			t.Errorf("%q: expected %v, got %v (%v)", s, want, got, err)
		}
	}
	if _, err := ParseVISLayout("nine_bit"); err == nil {
		t.Error("Expected an error for an unknown layout")
	}
}
