package sstv

import "math"

// separatorTolerance is how far the separator tone may sit from 1500/2300 Hz
// and still be trusted to tell R-Y from B-Y.
const separatorTolerance = 200.0

// interpretRobot36 reads luma and one color difference per line. Even lines
// are cached; the odd line completes the pair and emits rows line-1 and line.
func interpretRobot36(m *Mode, lc *lineContext, line int) (LineResult, error) {
	rc := lc.robot
	parity := line & 1

	luma := lc.channel(0, m.Width)
	if err := lc.readSegment(m, line, parity, SegLuma, 0, luma, 0); err != nil {
		return LineResult{}, err
	}

	// The separator tone says which color difference follows; trust it over
	// line parity when it is clear, so a skipped line does not swap colors.
	kind := SegChromaRY
	if parity == 1 {
		kind = SegChromaBY
	}
	if sepStart, sep, ok := m.SegmentStartMs(parity, SegSeparator, 0); ok {
		est, err := lc.frequency(line, sepStart+sep.DurationMs/2)
		if err != nil {
			return LineResult{}, err
		}
		if est.Confident {
			switch {
			case math.Abs(est.Hz-(BlackHz+lc.shiftHz)) < separatorTolerance:
				kind = SegChromaRY
			case math.Abs(est.Hz-(WhiteHz+lc.shiftHz)) < separatorTolerance:
				kind = SegChromaBY
			}
		}
	}

	chroma := rc.ry
	if kind == SegChromaBY {
		chroma = rc.by
	}
	// Chroma occupies the same slot on either parity; read it by position.
	start, seg, _ := m.SegmentStartMs(parity, parityChroma(parity), 0)
	if err := lc.readChannel(line, start, seg, chroma, chromaZero); err != nil {
		return LineResult{}, err
	}

	if parity == 0 {
		copy(rc.lumaEven, luma)
		rc.evenLine = line
		return LineResult{}, nil
	}

	// An odd line without its even partner reuses its own luma for both rows.
	upper := rc.lumaEven
	if rc.evenLine != line-1 {
		upper = luma
	}
	top := make(PixelRow, m.Width)
	bottom := make(PixelRow, m.Width)
	for x := 0; x < m.Width; x++ {
		top[x] = ycbcrToRGB(upper[x], rc.by[x], rc.ry[x])
		bottom[x] = ycbcrToRGB(luma[x], rc.by[x], rc.ry[x])
	}
	return LineResult{Rows: []DecodedRow{
		{Index: line - 1, Pixels: top},
		{Index: line, Pixels: bottom},
	}}, nil
}

func parityChroma(parity int) SegmentKind {
	if parity == 0 {
		return SegChromaRY
	}
	return SegChromaBY
}
