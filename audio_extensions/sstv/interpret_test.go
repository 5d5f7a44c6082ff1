package sstv

import (
	"image/color"
	"testing"
)

func newTestLineContext(src SampleProvider, m *Mode, originMs float64) *lineContext {
	demod := NewFrequencyDemodulator(src, 1e-7)
	lc := &lineContext{
		demod:     demod,
		timing:    Timing{OriginMs: originMs, LineMs: m.LineMs},
		windowSec: demod.MinWindowSec(),
	}
	if m.Chroma == ChromaAlternating {
		lc.robot = newRobotChroma(m.Width)
	}
	return lc
}

func TestRobot36MidGray(t *testing.T) {
	gray := uniformImage(320, 240, color.NRGBA{R: 128, G: 128, B: 128, A: 0xff})
	tx := Encode(Robot36, gray, testRate, EncodeOptions{NoVIS: true, TailSilenceMs: 100})
	lc := newTestLineContext(tx.Source(), Robot36, tx.ImageStartSec*1000)

	even, err := Robot36.Interpret(lc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(even.Rows) != 0 {
		t.Errorf("Even line should not emit rows, got %d", len(even.Rows))
	}
	odd, err := Robot36.Interpret(lc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(odd.Rows) != 2 || odd.Rows[0].Index != 0 || odd.Rows[1].Index != 1 {
		t.Fatalf("Expected rows 0 and 1 from line 1, got %+v", odd.Rows)
	}
	for _, row := range odd.Rows {
		for x, v := range row.Pixels.RGB8() {
			if v < 126 || v > 130 {
				t.Fatalf("row %d byte %d: expected 128 +/- 2, got %d", row.Index, x, v)
			}
		}
	}
	if odd.Stats.Clamped != 0 || odd.Stats.LowConfidence != 0 || odd.Stats.Samples != 640 {
		t.Errorf("Unexpected stats: %+v", odd.Stats)
	}
}

func TestPDLineEmitsRowPair(t *testing.T) {
	gray := uniformImage(640, 496, color.NRGBA{R: 90, G: 160, B: 40, A: 0xff})
	tx := Encode(PD120, gray, testRate, EncodeOptions{NoVIS: true, TailSilenceMs: 100})
	lc := newTestLineContext(tx.Source(), PD120, tx.ImageStartSec*1000)

	for _, line := range []int{0, 5} {
		res, err := PD120.Interpret(lc, line)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Rows) != 2 || res.Rows[0].Index != 2*line || res.Rows[1].Index != 2*line+1 {
			t.Fatalf("line %d: expected rows %d and %d, got %+v", line, 2*line, 2*line+1, res.Rows)
		}
		want := []uint8{90, 160, 40}
		for _, row := range res.Rows {
			rgb := row.Pixels.RGB8()
			for x := 0; x < len(rgb); x++ {
				if d := int(rgb[x]) - int(want[x%3]); d < -3 || d > 3 {
					t.Fatalf("line %d row %d byte %d: expected %d, got %d", line, row.Index, x, want[x%3], rgb[x])
				}
			}
		}
		if res.Stats.Samples != 4*640 {
			t.Errorf("Expected %d samples, got %d", 4*640, res.Stats.Samples)
		}
	}
}

// robotEvenLine renders one Robot 36 even line with the given luma tone
// (0 for silence) and neutral chroma.
func robotEvenLine(lumaHz float64) *SliceSource {
	return toneSource(testRate,
		[2]float64{SyncHz, 9},
		[2]float64{BlackHz, 3},
		[2]float64{lumaHz, 88},
		[2]float64{BlackHz, 4.5},
		[2]float64{1900, 1.5},
		[2]float64{toneFor(chromaZero), 44},
		[2]float64{SyncHz, 20},
	)
}

func TestInterpretCountsClamping(t *testing.T) {
	lc := newTestLineContext(robotEvenLine(2500), Robot36, 0)
	res, err := Robot36.Interpret(lc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Clamped != 320 {
		t.Errorf("Expected all 320 luma samples clamped, got %d", res.Stats.Clamped)
	}
	if res.Stats.Samples != 640 {
		t.Errorf("Expected 640 samples, got %d", res.Stats.Samples)
	}
	for x, v := range lc.robot.lumaEven {
		if v != 1 {
			t.Fatalf("pixel %d: expected white, got %v", x, v)
		}
	}
}

func TestInterpretCountsSilentSegment(t *testing.T) {
	lc := newTestLineContext(robotEvenLine(0), Robot36, 0)
	res, err := Robot36.Interpret(lc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.SilentSegments != 1 {
		t.Errorf("Expected one silent segment, got %d", res.Stats.SilentSegments)
	}
	if res.Stats.LowConfidence != 320 {
		t.Errorf("Expected 320 low-confidence samples, got %d", res.Stats.LowConfidence)
	}
	for x, v := range lc.robot.lumaEven {
		if v != 0 {
			t.Fatalf("pixel %d: silent luma should read black, got %v", x, v)
		}
	}
}

func TestRobot36LoneOddLine(t *testing.T) {
	gray := uniformImage(320, 240, color.NRGBA{R: 200, G: 200, B: 200, A: 0xff})
	tx := Encode(Robot36, gray, testRate, EncodeOptions{NoVIS: true, TailSilenceMs: 100})
	lc := newTestLineContext(tx.Source(), Robot36, tx.ImageStartSec*1000)

	// Line 3 without line 2: both rows come from its own luma.
	res, err := Robot36.Interpret(lc, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 2 || res.Rows[0].Index != 2 || res.Rows[1].Index != 3 {
		t.Fatalf("Expected rows 2 and 3, got %+v", res.Rows)
	}
	top, bottom := res.Rows[0].Pixels.RGB8(), res.Rows[1].Pixels.RGB8()
	for i := range top {
		if top[i] != bottom[i] {
			t.Fatalf("byte %d: rows differ (%d vs %d)", i, top[i], bottom[i])
		}
	}
}
