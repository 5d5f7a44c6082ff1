// Package fidelity measures how closely a decoded SSTV image matches the
// image that was transmitted.
package fidelity

import (
	"errors"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("fidelity: empty image")

// LinearFit is expected ≈ Slope*decoded + Intercept for one channel.
type LinearFit struct {
	Slope     float64
	Intercept float64
	R2        float64
}

// Report holds every comparison metric.
type Report struct {
	Width, Height int

	PSNR        float64 // dB over all channels; +Inf for identical images
	MeanAbsDiff float64 // 0..255
	MaxAbsDiff  float64
	Correlation float64 // all channels flattened

	// Best shift of decoded relative to expected, by luma correlation.
	HShift, VShift         int
	HShiftCorr, VShiftCorr float64

	// Channels[i][j] correlates decoded channel i with expected channel j
	// (R, G, B); a swapped color layout shows up off the diagonal.
	Channels [3][3]float64
	Fit      [3]LinearFit

	// Luma correlation of even and odd rows separately; a large gap points at
	// a line pairing problem.
	EvenRowCorr, OddRowCorr float64
}

// Options bounds the shift search.
type Options struct {
	MaxHShift int
	MaxVShift int
}

// DefaultOptions searches ±20 pixels horizontally and ±10 rows vertically.
func DefaultOptions() Options {
	return Options{MaxHShift: 20, MaxVShift: 10}
}

// planes holds an image as per-channel float rows.
type planes struct {
	w, h int
	ch   [3][]float64 // row-major, 0..255
	luma []float64
}

func toPlanes(img image.Image, w, h int) planes {
	b := img.Bounds()
	p := planes{w: w, h: h, luma: make([]float64, w*h)}
	for c := range p.ch {
		p.ch[c] = make([]float64, w*h)
	}
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			c := color.NRGBAModel.Convert(img.At(sx, sy)).(color.NRGBA)
			i := y*w + x
			p.ch[0][i] = float64(c.R)
			p.ch[1][i] = float64(c.G)
			p.ch[2][i] = float64(c.B)
			p.luma[i] = 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
		}
	}
	return p
}

// Compare measures decoded against expected. Expected is resampled (nearest
// neighbour) to the decoded size first.
func Compare(decoded, expected image.Image, opt Options) (Report, error) {
	db := decoded.Bounds()
	w, h := db.Dx(), db.Dy()
	if w == 0 || h == 0 || expected.Bounds().Empty() {
		return Report{}, ErrEmptyImage
	}
	dec := toPlanes(decoded, w, h)
	exp := toPlanes(expected, w, h)

	r := Report{Width: w, Height: h}

	diffs := make([]float64, 0, 3*w*h)
	var all, allExp []float64
	for c := 0; c < 3; c++ {
		for i := range dec.ch[c] {
			diffs = append(diffs, math.Abs(dec.ch[c][i]-exp.ch[c][i]))
		}
		all = append(all, dec.ch[c]...)
		allExp = append(allExp, exp.ch[c]...)
	}
	r.MeanAbsDiff = floats.Sum(diffs) / float64(len(diffs))
	r.MaxAbsDiff = floats.Max(diffs)
	r.PSNR = psnr(floats.Dot(diffs, diffs) / float64(len(diffs)))
	r.Correlation = correlation(all, allExp)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Channels[i][j] = correlation(dec.ch[i], exp.ch[j])
		}
		r.Fit[i] = fit(dec.ch[i], exp.ch[i])
	}

	r.HShift, r.HShiftCorr = bestShift(dec, exp, opt.MaxHShift, true)
	r.VShift, r.VShiftCorr = bestShift(dec, exp, opt.MaxVShift, false)
	r.EvenRowCorr = rowParityCorr(dec, exp, 0)
	r.OddRowCorr = rowParityCorr(dec, exp, 1)
	return r, nil
}

// PSNR is a shortcut for the peak signal-to-noise ratio alone.
func PSNR(decoded, expected image.Image) (float64, error) {
	db := decoded.Bounds()
	w, h := db.Dx(), db.Dy()
	if w == 0 || h == 0 || expected.Bounds().Empty() {
		return 0, ErrEmptyImage
	}
	dec := toPlanes(decoded, w, h)
	exp := toPlanes(expected, w, h)
	var sum float64
	for c := 0; c < 3; c++ {
		for i := range dec.ch[c] {
			d := dec.ch[c][i] - exp.ch[c][i]
			sum += d * d
		}
	}
	return psnr(sum / float64(3*w*h)), nil
}

func psnr(mse float64) float64 {
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(255*255/mse)
}

// correlation is Pearson's r, 0 when either side is constant.
func correlation(a, b []float64) float64 {
	if len(a) < 2 || stat.Variance(a, nil) == 0 || stat.Variance(b, nil) == 0 {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

func fit(decoded, expected []float64) LinearFit {
	if len(decoded) < 2 || stat.Variance(decoded, nil) == 0 {
		return LinearFit{Slope: 0, Intercept: stat.Mean(expected, nil)}
	}
	alpha, beta := stat.LinearRegression(decoded, expected, nil, false)
	return LinearFit{
		Slope:     beta,
		Intercept: alpha,
		R2:        stat.RSquared(decoded, expected, nil, alpha, beta),
	}
}

// bestShift finds the offset s maximizing the luma correlation of
// decoded[x+s] against expected[x] (or rows when horizontal is false).
func bestShift(dec, exp planes, limit int, horizontal bool) (int, float64) {
	best, bestCorr := 0, math.Inf(-1)
	var a, b []float64
	for s := -limit; s <= limit; s++ {
		a, b = a[:0], b[:0]
		for y := 0; y < dec.h; y++ {
			for x := 0; x < dec.w; x++ {
				dx, dy := x+s, y
				if !horizontal {
					dx, dy = x, y+s
				}
				if dx < 0 || dx >= dec.w || dy < 0 || dy >= dec.h {
					continue
				}
				a = append(a, dec.luma[dy*dec.w+dx])
				b = append(b, exp.luma[y*exp.w+x])
			}
		}
		c := correlation(a, b)
		// Prefer the smallest shift among ties.
		if c > bestCorr+1e-12 || (math.Abs(c-bestCorr) <= 1e-12 && abs(s) < abs(best)) {
			best, bestCorr = s, c
		}
	}
	return best, bestCorr
}

func rowParityCorr(dec, exp planes, parity int) float64 {
	var a, b []float64
	for y := parity; y < dec.h; y += 2 {
		a = append(a, dec.luma[y*dec.w:(y+1)*dec.w]...)
		b = append(b, exp.luma[y*exp.w:(y+1)*exp.w]...)
	}
	return correlation(a, b)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
