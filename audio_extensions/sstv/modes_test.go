package sstv

import (
	"errors"
	"math"
	"testing"
)

func TestModeTables(t *testing.T) {
	tests := []struct {
		mode          *Mode
		vis           uint8
		width, height int
		lines         int
		syncMs        float64
		lineMs        float64
	}{
		{Robot36, 0x08, 320, 240, 240, 9, 150},
		{PD120, 0x5F, 640, 496, 248, 20, 508.48},
		{PD180, 0x60, 640, 496, 248, 20, 754.24},
	}
	for _, tt := range tests {
		t.Run(tt.mode.ShortName, func(t *testing.T) {
			m := tt.mode
			if m.VIS != tt.vis || m.Width != tt.width || m.Height != tt.height || m.Lines != tt.lines {
				t.Errorf("Unexpected descriptor: VIS 0x%02X %dx%d %d lines", m.VIS, m.Width, m.Height, m.Lines)
			}
			if m.SyncMs != tt.syncMs {
				t.Errorf("Expected sync %.1f ms, got %.2f", tt.syncMs, m.SyncMs)
			}
			if math.Abs(m.LineMs-tt.lineMs) > 1e-9 {
				t.Errorf("Expected line %.2f ms, got %.6f", tt.lineMs, m.LineMs)
			}
			for parity := 0; parity < 2; parity++ {
				if got := lineDuration(m.Segments[parity]); math.Abs(got-m.LineMs) > 1e-9 {
					t.Errorf("parity %d: segments sum to %.6f ms", parity, got)
				}
				if m.Segments[parity][0].Kind != SegSync || m.Segments[parity][1].Kind != SegPorch {
					t.Errorf("parity %d: line must open with sync then porch", parity)
				}
			}
		})
	}
}

func TestRobot36ChromaSlots(t *testing.T) {
	evenStart, even, ok := Robot36.SegmentStartMs(0, SegChromaRY, 0)
	if !ok {
		t.Fatal("Even line has no R-Y segment")
	}
	oddStart, odd, ok := Robot36.SegmentStartMs(1, SegChromaBY, 0)
	if !ok {
		t.Fatal("Odd line has no B-Y segment")
	}
	if evenStart != 106 || oddStart != 106 || even.DurationMs != 44 || odd.DurationMs != 44 {
		t.Errorf("Chroma slots differ: even %.1f+%.1f odd %.1f+%.1f", evenStart, even.DurationMs, oddStart, odd.DurationMs)
	}
	if _, _, ok := Robot36.SegmentStartMs(0, SegChromaBY, 0); ok {
		t.Error("Even line should not carry B-Y")
	}
}

func TestPDLumaRows(t *testing.T) {
	y0, _, _ := PD120.SegmentStartMs(0, SegLuma, 0)
	y1, _, _ := PD120.SegmentStartMs(0, SegLuma, 1)
	if math.Abs(y0-22.08) > 1e-9 {
		t.Errorf("Expected first luma at 22.08 ms, got %v", y0)
	}
	if math.Abs(y1-(22.08+3*121.6)) > 1e-9 {
		t.Errorf("Expected second luma at %.2f ms, got %v", 22.08+3*121.6, y1)
	}
}

func TestModeLookup(t *testing.T) {
	for _, name := range []string{"PD120", "pd-120", "PD 120", "pd_120"} {
		m, err := ModeByName(name)
		if err != nil || m != PD120 {
			t.Errorf("%q: expected PD-120, got %v (%v)", name, m, err)
		}
	}
	for _, name := range []string{"R36", "robot 36", "Robot36"} {
		if m, err := ModeByName(name); err != nil || m != Robot36 {
			t.Errorf("%q: expected Robot 36, got %v (%v)", name, m, err)
		}
	}
	if _, err := ModeByName("Martin 1"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}

	if m, ok := ModeByVIS(0x60); !ok || m != PD180 {
		t.Errorf("VIS 0x60: expected PD-180, got %v", m)
	}
	if _, ok := ModeByVIS(0x2C); ok {
		t.Error("VIS 0x2C should not be recognized")
	}
	if m, ok := ModeByID(ModeRobot36); !ok || m != Robot36 {
		t.Errorf("ModeByID: got %v", m)
	}
	if _, ok := ModeByID(ModeNone); ok {
		t.Error("ModeNone should not resolve")
	}
	if len(Modes()) != 3 {
		t.Errorf("Expected 3 modes, got %d", len(Modes()))
	}
}

func TestIntensity(t *testing.T) {
	tests := []struct {
		hz, shift float64
		want      float64
		clamped   bool
	}{
		{1500, 0, 0, false},
		{2300, 0, 1, false},
		{1900, 0, 0.5, false},
		{1400, 0, 0, true},
		{2500, 0, 1, true},
		{1550, 50, 0, false},
		{2350, 50, 1, false},
	}
	for _, tt := range tests {
		got, clamped := intensity(tt.hz, tt.shift)
		if math.Abs(got-tt.want) > 1e-12 || clamped != tt.clamped {
			t.Errorf("intensity(%v, %v) = %v, %v; expected %v, %v", tt.hz, tt.shift, got, clamped, tt.want, tt.clamped)
		}
	}
	if toneFor(0.25) != 1700 {
		t.Errorf("Expected 1700 Hz for a quarter, got %v", toneFor(0.25))
	}
}

func TestYCbCrRoundTrip(t *testing.T) {
	colors := []RGB{
		{0, 0, 0}, {1, 1, 1}, {0.5, 0.5, 0.5},
		{0.8, 0.2, 0.1}, {0.1, 0.6, 0.3}, {0.2, 0.3, 0.9},
	}
	for _, c := range colors {
		y, cb, cr := rgbToYCbCr(c)
		got := ycbcrToRGB(y, cb, cr)
		if math.Abs(got.R-c.R) > 1e-4 || math.Abs(got.G-c.G) > 1e-4 || math.Abs(got.B-c.B) > 1e-4 {
			t.Errorf("%+v came back as %+v", c, got)
		}
	}
	// Mid gray with neutral chroma is gray.
	g := ycbcrToRGB(128.0/255, chromaZero, chromaZero)
	if to8(g.R) != 128 || to8(g.G) != 128 || to8(g.B) != 128 {
		t.Errorf("Expected 128 gray, got %d %d %d", to8(g.R), to8(g.G), to8(g.B))
	}
}

func TestPixelRowRGB8(t *testing.T) {
	row := PixelRow{{0, 0.5, 1}, {-0.2, 1.3, 0.25}}
	got := row.RGB8()
	want := []uint8{0, 128, 255, 0, 255, 64}
	if len(got) != len(want) {
		t.Fatalf("Expected %d bytes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}
