package fidelity

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"
)

func noiseImage(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 0xff,
			})
		}
	}
	return img
}

// shifted returns src moved by (dx, dy), edges filled with gray.
func shifted(src *image.NRGBA, dx, dy int) *image.NRGBA {
	b := src.Bounds()
	out := image.NewNRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			sx, sy := x-dx, y-dy
			c := color.NRGBA{R: 128, G: 128, B: 128, A: 0xff}
			if sx >= 0 && sx < b.Dx() && sy >= 0 && sy < b.Dy() {
				c = src.NRGBAAt(sx, sy)
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func TestCompareIdentical(t *testing.T) {
	img := noiseImage(64, 48, 1)
	r, err := Compare(img, img, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(r.PSNR, 1) {
		t.Errorf("Expected +Inf PSNR, got %v", r.PSNR)
	}
	if r.MeanAbsDiff != 0 || r.MaxAbsDiff != 0 {
		t.Errorf("Expected zero difference, got mean %v max %v", r.MeanAbsDiff, r.MaxAbsDiff)
	}
	if r.HShift != 0 || r.VShift != 0 {
		t.Errorf("Expected no shift, got %d/%d", r.HShift, r.VShift)
	}
	for c := 0; c < 3; c++ {
		if math.Abs(r.Channels[c][c]-1) > 1e-9 {
			t.Errorf("channel %d: expected correlation 1, got %v", c, r.Channels[c][c])
		}
		if math.Abs(r.Fit[c].Slope-1) > 1e-9 || math.Abs(r.Fit[c].Intercept) > 1e-6 {
			t.Errorf("channel %d: expected identity fit, got %+v", c, r.Fit[c])
		}
	}
	if math.Abs(r.EvenRowCorr-1) > 1e-9 || math.Abs(r.OddRowCorr-1) > 1e-9 {
		t.Errorf("Expected row parity correlation 1, got %v/%v", r.EvenRowCorr, r.OddRowCorr)
	}
}

func TestCompareFindsShift(t *testing.T) {
	exp := noiseImage(64, 48, 2)
	tests := []struct {
		name   string
		dx, dy int
	}{
		{"right", 3, 0},
		{"left", -5, 0},
		{"down", 0, 2},
		{"up", 0, -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compare(shifted(exp, tt.dx, tt.dy), exp, DefaultOptions())
			if err != nil {
				t.Fatal(err)
			}
			if tt.dx != 0 && r.HShift != tt.dx {
				t.Errorf("Expected horizontal shift %d, got %d", tt.dx, r.HShift)
			}
			if tt.dy != 0 && r.VShift != tt.dy {
				t.Errorf("Expected vertical shift %d, got %d", tt.dy, r.VShift)
			}
			if math.IsInf(r.PSNR, 1) {
				t.Error("Shifted image should not compare identical")
			}
		})
	}
}

func TestCompareChannelSwap(t *testing.T) {
	exp := noiseImage(32, 32, 3)
	swapped := image.NewNRGBA(exp.Bounds())
	for i := 0; i < len(exp.Pix); i += 4 {
		swapped.Pix[i] = exp.Pix[i+2]
		swapped.Pix[i+1] = exp.Pix[i+1]
		swapped.Pix[i+2] = exp.Pix[i]
		swapped.Pix[i+3] = 0xff
	}
	r, err := Compare(swapped, exp, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(r.Channels[0][2]-1) > 1e-9 || math.Abs(r.Channels[2][0]-1) > 1e-9 {
		t.Errorf("Expected red and blue swapped, channel matrix %v", r.Channels)
	}
	if math.Abs(r.Channels[0][0]) > 0.2 {
		t.Errorf("Expected little red-red correlation, got %v", r.Channels[0][0])
	}
}

func TestPSNR(t *testing.T) {
	a := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	b := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range a.Pix {
		a.Pix[i] = 100
		b.Pix[i] = 110
	}
	got, err := PSNR(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := 10 * math.Log10(255*255/100.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %.4f dB, got %.4f", want, got)
	}

	empty := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	if _, err := PSNR(empty, a); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Expected ErrEmptyImage, got %v", err)
	}
	if _, err := Compare(a, empty, DefaultOptions()); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Expected ErrEmptyImage, got %v", err)
	}
}
