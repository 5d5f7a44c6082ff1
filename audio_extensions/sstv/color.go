package sstv

import (
	"image"
	"image/color"
	"math"
)

// Tone frequencies shared by all supported modes.
const (
	SyncHz  = 1200.0
	BlackHz = 1500.0
	WhiteHz = 2300.0
)

// chromaZero is the normalized chroma level carrying no color (128 of 255).
const chromaZero = 128.0 / 255.0

// RGB is a normalized color triple, each channel in [0, 1].
type RGB struct {
	R, G, B float64
}

// PixelRow is one image row, len == mode width.
type PixelRow []RGB

// RGB8 returns the row as 8-bit RGB triplets, the layout the binary
// protocol and PNG output use.
func (r PixelRow) RGB8() []uint8 {
	out := make([]uint8, 0, len(r)*3)
	for _, p := range r {
		out = append(out, to8(p.R), to8(p.G), to8(p.B))
	}
	return out
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// intensity maps a tone to [0, 1] on the black..white scale. The second
// result reports whether the value had to be clamped.
func intensity(freqHz, shiftHz float64) (float64, bool) {
	v := (freqHz - (BlackHz + shiftHz)) / (WhiteHz - BlackHz)
	if v < 0 {
		return 0, true
	}
	if v > 1 {
		return 1, true
	}
	return v, false
}

// toneFor is the inverse of intensity.
func toneFor(v float64) float64 {
	return BlackHz + clamp01(v)*(WhiteHz-BlackHz)
}

// ycbcrToRGB converts full-range BT.601 luma and color differences. cb is the
// B-Y channel and cr the R-Y channel, both centered on chromaZero.
func ycbcrToRGB(y, cb, cr float64) RGB {
	cb -= chromaZero
	cr -= chromaZero
	return RGB{
		R: clamp01(y + 1.402*cr),
		G: clamp01(y - 0.344136*cb - 0.714136*cr),
		B: clamp01(y + 1.772*cb),
	}
}

// rgbToYCbCr is the encoder side of ycbcrToRGB.
func rgbToYCbCr(c RGB) (y, cb, cr float64) {
	y = 0.299*c.R + 0.587*c.G + 0.114*c.B
	cb = chromaZero + (c.B-y)/1.772
	cr = chromaZero + (c.R-y)/1.402
	return clamp01(y), clamp01(cb), clamp01(cr)
}

// rgbAt reads a pixel of an arbitrary image as a normalized triple.
func rgbAt(img image.Image, x, y int) RGB {
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return RGB{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}
