package sstv

// interpretPD reads a PD line (Y even row, R-Y, B-Y, Y odd row) and emits
// image rows 2*line and 2*line+1 sharing the line's chroma.
func interpretPD(m *Mode, lc *lineContext, line int) (LineResult, error) {
	y0 := lc.channel(0, m.Width)
	ry := lc.channel(1, m.Width)
	by := lc.channel(2, m.Width)
	y1 := lc.channel(3, m.Width)

	if err := lc.readSegment(m, line, 0, SegLuma, 0, y0, 0); err != nil {
		return LineResult{}, err
	}
	if err := lc.readSegment(m, line, 0, SegChromaRY, 0, ry, chromaZero); err != nil {
		return LineResult{}, err
	}
	if err := lc.readSegment(m, line, 0, SegChromaBY, 0, by, chromaZero); err != nil {
		return LineResult{}, err
	}
	if err := lc.readSegment(m, line, 0, SegLuma, 1, y1, 0); err != nil {
		return LineResult{}, err
	}

	top := make(PixelRow, m.Width)
	bottom := make(PixelRow, m.Width)
	for x := 0; x < m.Width; x++ {
		top[x] = ycbcrToRGB(y0[x], by[x], ry[x])
		bottom[x] = ycbcrToRGB(y1[x], by[x], ry[x])
	}
	return LineResult{Rows: []DecodedRow{
		{Index: 2 * line, Pixels: top},
		{Index: 2*line + 1, Pixels: bottom},
	}}, nil
}
