package sstv

// Timing maps positions on a line to fractional sample indices.
//
// All arithmetic is in milliseconds. Line n nominally starts (sync leading
// edge) at OriginMs + n*LineMs; the phase offset shifts every line by the same
// amount and the skew adds a correction that grows linearly with n to absorb
// clock drift between transmitter and receiver.
type Timing struct {
	OriginMs      float64 // stream time of line 0's sync leading edge
	LineMs        float64 // nominal line duration
	PhaseOffsetMs float64
	SkewMsPerLine float64
}

// LineOffsetMs is the total correction applied to line n.
func (t Timing) LineOffsetMs(line int) float64 {
	return t.PhaseOffsetMs + float64(line)*t.SkewMsPerLine
}

// SampleOffset returns the fractional sample offset of a point on line n,
// relative to the line's nominal start.
func (t Timing) SampleOffset(line int, withinLineMs, sampleRate float64) float64 {
	return (t.LineOffsetMs(line) + withinLineMs) * sampleRate / 1000
}

// Position returns the absolute fractional sample index of a point on line n.
func (t Timing) Position(line int, withinLineMs, sampleRate float64) float64 {
	return t.nominalStartMs(line)*sampleRate/1000 + t.SampleOffset(line, withinLineMs, sampleRate)
}

// TimeSec returns the stream time of a point on line n, in seconds.
func (t Timing) TimeSec(line int, withinLineMs float64) float64 {
	return (t.nominalStartMs(line) + t.LineOffsetMs(line) + withinLineMs) / 1000
}

// SyncStartMs is where line n's sync pulse is expected. The phase offset is a
// pixel sampling correction and does not move the pulse.
func (t Timing) SyncStartMs(line int) float64 {
	return t.nominalStartMs(line) + float64(line)*t.SkewMsPerLine
}

func (t Timing) nominalStartMs(line int) float64 {
	return t.OriginMs + float64(line)*t.LineMs
}
