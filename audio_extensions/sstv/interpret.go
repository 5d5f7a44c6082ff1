package sstv

import "math"

// LineStats counts what happened while one transmitted line was read.
type LineStats struct {
	Samples        int // pixel samples taken
	Clamped        int // tones outside black..white, clamped to the nearest bound
	LowConfidence  int // samples below the noise floor, filled by holding the last value
	SilentSegments int // video segments with no confident sample at all
	SNR            float64
}

func (s *LineStats) add(o LineStats) {
	s.Samples += o.Samples
	s.Clamped += o.Clamped
	s.LowConfidence += o.LowConfidence
	s.SilentSegments += o.SilentSegments
}

// DecodedRow is an image row ready for the sink.
type DecodedRow struct {
	Index  int
	Pixels PixelRow
}

// LineResult is what an interpreter produced for one transmitted line. Rows
// may be empty (Robot 36 even lines).
type LineResult struct {
	Rows  []DecodedRow
	Stats LineStats
}

// robotChroma carries Robot 36 state from an even line to the following odd
// line. It belongs to the session and is cleared by Reset.
type robotChroma struct {
	lumaEven []float64
	ry, by   []float64
	evenLine int // line index lumaEven came from, -1 if none
}

func newRobotChroma(width int) *robotChroma {
	rc := &robotChroma{
		lumaEven: make([]float64, width),
		ry:       make([]float64, width),
		by:       make([]float64, width),
		evenLine: -1,
	}
	for i := 0; i < width; i++ {
		rc.ry[i] = chromaZero
		rc.by[i] = chromaZero
	}
	return rc
}

// lineContext gives an interpreter timed frequency access for one line.
type lineContext struct {
	demod     *FrequencyDemodulator
	timing    Timing
	shiftHz   float64
	windowSec float64
	robot     *robotChroma

	stats LineStats
	chans [4][]float64 // per-channel scratch, reused across lines
}

// frequency estimates the tone at a point on a line.
func (lc *lineContext) frequency(line int, withinLineMs float64) (FreqEstimate, error) {
	return lc.demod.EstimateFrequency(lc.timing.TimeSec(line, withinLineMs), lc.windowSec)
}

func (lc *lineContext) channel(i, width int) []float64 {
	if cap(lc.chans[i]) < width {
		lc.chans[i] = make([]float64, width)
	}
	return lc.chans[i][:width]
}

// readChannel samples one video segment at the center of each pixel slot.
//
// Out-of-range tones are clamped to black or white and counted. Samples
// below the noise floor hold the previous pixel's value; before any
// confident sample the channel's neutral level is used (black for luma,
// chromaZero for color difference). A segment with no confident sample is
// counted as silent but still yields a positioned row.
//
// Windows are kept inside the segment where it is long enough, so the
// first and last pixels do not pick up the neighbouring tone.
func (lc *lineContext) readChannel(line int, startMs float64, seg Segment, dst []float64, neutral float64) error {
	width := len(dst)
	slot := seg.DurationMs / float64(width)
	win := math.Max(lc.windowSec, lc.demod.MinWindowSec())
	half := 0.625 * win * 1000 // the refinement span reaches a quarter window further
	lo, hi := startMs+half, startMs+seg.DurationMs-half
	last := neutral
	confident := 0
	for x := 0; x < width; x++ {
		at := startMs + (float64(x)+0.5)*slot
		if lo <= hi {
			at = math.Max(lo, math.Min(hi, at))
		}
		est, err := lc.frequency(line, at)
		if err != nil {
			return err
		}
		lc.stats.Samples++
		if !est.Confident {
			lc.stats.LowConfidence++
			dst[x] = last
			continue
		}
		v, clamped := intensity(est.Hz, lc.shiftHz)
		if clamped {
			lc.stats.Clamped++
		}
		dst[x] = v
		last = v
		confident++
	}
	if confident == 0 {
		lc.stats.SilentSegments++
	}
	return nil
}

// readSegment locates a segment on the line and reads it into dst.
func (lc *lineContext) readSegment(m *Mode, line, parity int, kind SegmentKind, row int, dst []float64, neutral float64) error {
	start, seg, ok := m.SegmentStartMs(parity, kind, row)
	if !ok {
		for i := range dst {
			dst[i] = neutral
		}
		return nil
	}
	return lc.readChannel(line, start, seg, dst, neutral)
}

// Interpret decodes one transmitted line of m.
func (m *Mode) Interpret(lc *lineContext, line int) (LineResult, error) {
	lc.stats = LineStats{}
	res, err := m.interpret(m, lc, line)
	res.Stats.add(lc.stats)
	return res, err
}
