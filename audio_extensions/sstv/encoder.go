package sstv

import (
	"image"
	"math"
)

/*
 * SSTV Encoder
 * Phase-continuous tone synthesis of a full transmission: VIS header, image
 * lines in any supported mode and an optional FSK callsign.
 *
 * Segment boundaries are placed on the exact cumulative time, so fractional
 * pixel durations never accumulate rounding drift.
 */

const encoderAmplitude = 0.5

// EncodeOptions tunes a synthetic transmission.
type EncodeOptions struct {
	Layout   VISLayout
	NoVIS    bool
	Callsign string // appended as FSK ID when set

	LeadSilenceMs float64
	TailSilenceMs float64

	// ShiftHz offsets every tone, as a mistuned receiver would see it.
	ShiftHz float64
	// ClockErrorPPM renders the audio as if the transmitter's clock ran fast
	// by this many parts per million, which makes the image lean.
	ClockErrorPPM float64
}

// Transmission is an encoded signal and where its parts landed.
type Transmission struct {
	Samples       []float64
	Rate          float64
	VISEndSec     float64 // 0 without a header
	ImageStartSec float64 // leading edge of line 0's sync
	ImageEndSec   float64
}

// PCM returns the samples as 16-bit PCM.
func (t *Transmission) PCM() []int16 {
	out := make([]int16, len(t.Samples))
	for i, v := range t.Samples {
		out[i] = int16(math.Round(math.Max(-1, math.Min(1, v)) * 32767))
	}
	return out
}

// Source wraps the samples as a SampleProvider.
func (t *Transmission) Source() *SliceSource { return NewSliceSource(t.Rate, t.Samples) }

// Encoder renders tones into a growing sample buffer.
type Encoder struct {
	rate    float64 // rate the samples are generated at
	shiftHz float64
	phase   float64
	tSec    float64 // exact end time of everything written
	out     []float64
}

// NewEncoder creates an encoder generating at rate.
func NewEncoder(rate float64) *Encoder {
	return &Encoder{rate: rate}
}

// Tone appends a tone of the given frequency and duration.
func (e *Encoder) Tone(hz, ms float64) {
	e.tSec += ms / 1000
	end := int(math.Round(e.tSec * e.rate))
	step := 2 * math.Pi * (hz + e.shiftHz) / e.rate
	for len(e.out) < end {
		e.out = append(e.out, encoderAmplitude*math.Sin(e.phase))
		e.phase += step
		if e.phase > 2*math.Pi {
			e.phase -= 2 * math.Pi
		}
	}
}

// Silence appends zeros.
func (e *Encoder) Silence(ms float64) {
	e.tSec += ms / 1000
	end := int(math.Round(e.tSec * e.rate))
	for len(e.out) < end {
		e.out = append(e.out, 0)
	}
}

// TimeSec is the signal time written so far.
func (e *Encoder) TimeSec() float64 { return e.tSec }

// Samples returns the rendered samples.
func (e *Encoder) Samples() []float64 { return e.out }

// VIS appends a calibration header for code.
func (e *Encoder) VIS(code uint8, layout VISLayout) {
	e.Tone(visLeaderHz, 300)
	e.Tone(SyncHz, 10)
	e.Tone(visLeaderHz, 300)
	e.Tone(SyncHz, visBitMs)
	for _, b := range layout.HeaderBits(code) {
		e.Tone(layout.BitHz(b), visBitMs)
	}
	e.Tone(SyncHz, visBitMs)
}

// FSKID appends a callsign trailer.
func (e *Encoder) FSKID(callsign string) {
	for _, c := range fskBytes(callsign) {
		for b := 0; b < 6; b++ {
			hz := fskZeroHz
			if (c>>uint(b))&1 == 1 {
				hz = fskOneHz
			}
			e.Tone(hz, fskBitMs)
		}
	}
}

// Image appends every line of img in mode m. The image is scaled to the
// mode's size by nearest neighbour.
func (e *Encoder) Image(m *Mode, img image.Image) {
	ys, cbs, crs := planes(m, img)
	for line := 0; line < m.Lines; line++ {
		parity := line & 1
		for _, seg := range m.Segments[parity] {
			if seg.LoHz == seg.HiHz {
				e.Tone(seg.LoHz, seg.DurationMs)
				continue
			}
			vals := encodeChannel(m, seg, line, ys, cbs, crs)
			slot := seg.DurationMs / float64(len(vals))
			for _, v := range vals {
				e.Tone(toneFor(v), slot)
			}
		}
	}
}

// encodeChannel returns the values one video segment carries.
func encodeChannel(m *Mode, seg Segment, line int, ys, cbs, crs [][]float64) []float64 {
	var rowA, rowB int
	switch m.Chroma {
	case ChromaPerLine:
		rowA, rowB = 2*line, 2*line+1
		if seg.Kind == SegLuma {
			return ys[2*line+seg.Row]
		}
	default:
		if seg.Kind == SegLuma {
			return ys[line]
		}
		// Even lines carry R-Y for the pair below, odd lines B-Y for the pair above.
		rowA, rowB = line, line+1
		if line&1 == 1 {
			rowA, rowB = line-1, line
		}
		if rowB >= m.Height {
			rowB = rowA
		}
	}
	src := crs
	if seg.Kind == SegChromaBY {
		src = cbs
	}
	out := make([]float64, m.Width)
	for x := range out {
		out[x] = (src[rowA][x] + src[rowB][x]) / 2
	}
	return out
}

// planes converts img to per-row luma and color difference planes at the
// mode's size.
func planes(m *Mode, img image.Image) (ys, cbs, crs [][]float64) {
	b := img.Bounds()
	ys = make([][]float64, m.Height)
	cbs = make([][]float64, m.Height)
	crs = make([][]float64, m.Height)
	for row := 0; row < m.Height; row++ {
		ys[row] = make([]float64, m.Width)
		cbs[row] = make([]float64, m.Width)
		crs[row] = make([]float64, m.Width)
		sy := b.Min.Y + row*b.Dy()/m.Height
		for x := 0; x < m.Width; x++ {
			sx := b.Min.X + x*b.Dx()/m.Width
			ys[row][x], cbs[row][x], crs[row][x] = rgbToYCbCr(rgbAt(img, sx, sy))
		}
	}
	return ys, cbs, crs
}

// Encode renders a complete transmission of img in mode m.
func Encode(m *Mode, img image.Image, rate float64, opt EncodeOptions) *Transmission {
	genRate := rate * (1 + opt.ClockErrorPPM/1e6)
	e := NewEncoder(genRate)
	e.shiftHz = opt.ShiftHz
	// Times are reported on the receiver's clock.
	scale := genRate / rate

	e.Silence(opt.LeadSilenceMs)
	tx := &Transmission{Rate: rate}
	if !opt.NoVIS {
		e.VIS(m.VIS, opt.Layout)
		tx.VISEndSec = e.TimeSec() * scale
	}
	tx.ImageStartSec = e.TimeSec() * scale
	e.Image(m, img)
	tx.ImageEndSec = e.TimeSec() * scale
	if opt.Callsign != "" {
		e.FSKID(opt.Callsign)
	}
	e.Silence(opt.TailSilenceMs)
	tx.Samples = e.Samples()
	return tx
}
