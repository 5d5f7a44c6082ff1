package sstv

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/kevinnz/SSTV-MEL-sub001/audio_extensions/sstv/fidelity"
)

const testRate = 11025.0

// gradientImage is smooth in both directions so the demodulator's window
// does not blur it measurably.
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r := uint8(255 * x / (w - 1))
			g := uint8(255 * y / (h - 1))
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: uint8((int(r) + int(g)) / 2), A: 0xff})
		}
	}
	return img
}

func uniformImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// toneSource renders a sequence of (Hz, ms) tones; Hz 0 is silence.
func toneSource(rate float64, tones ...[2]float64) *SliceSource {
	e := NewEncoder(rate)
	for _, tn := range tones {
		if tn[0] == 0 {
			e.Silence(tn[1])
			continue
		}
		e.Tone(tn[0], tn[1])
	}
	return NewSliceSource(rate, e.Samples())
}

// sine returns n samples of a*cos(2*pi*f*i/rate + phase).
func sine(rate, f, a, phase float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = a * math.Cos(2*math.Pi*f*float64(i)/rate+phase)
	}
	return out
}

func decodeBatch(t *testing.T, tx *Transmission, cfg Config) (Result, *ImageBuffer, []Event) {
	t.Helper()
	sink := NewImageBuffer()
	var events []Event
	res, err := Decode(tx.Source(), cfg, sink, func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return res, sink, events
}

func psnr(t *testing.T, decoded, expected image.Image) float64 {
	t.Helper()
	p, err := fidelity.PSNR(decoded, expected)
	if err != nil {
		t.Fatalf("PSNR failed: %v", err)
	}
	return p
}

func countEvents(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
