package sstv

/*
 * PCM Buffer Management
 * Sliding sample window addressed by absolute sample index.
 *
 * - Samples are appended at the end as they arrive from the stream
 * - The session discards history it no longer needs (anything before the
 *   current sync search window), so memory stays bounded by roughly one
 *   search window plus one line
 * - Absolute indices never shift, so timing math is unaffected by trimming
 */

// PCMBuffer holds the most recent part of a streamed sample sequence.
// It is owned by exactly one session and is not safe for concurrent use.
type PCMBuffer struct {
	rate float64
	data []float64
	base int // absolute index of data[0]
}

// NewPCMBuffer creates an empty buffer for the given sample rate.
func NewPCMBuffer(rate float64) *PCMBuffer {
	return &PCMBuffer{rate: rate}
}

// Write appends 16-bit PCM samples.
func (b *PCMBuffer) Write(samples []int16) {
	for _, s := range samples {
		b.data = append(b.data, float64(s)/32768.0)
	}
}

// WriteFloat appends samples already normalized to [-1, 1].
func (b *PCMBuffer) WriteFloat(samples []float64) {
	b.data = append(b.data, samples...)
}

// Discard drops every sample whose absolute index is below before.
func (b *PCMBuffer) Discard(before int) {
	n := before - b.base
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.base += len(b.data)
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
	b.base = before
}

// Reset empties the buffer and restarts absolute indexing at zero.
func (b *PCMBuffer) Reset() {
	b.data = nil
	b.base = 0
}

// Available returns how many samples are currently held.
func (b *PCMBuffer) Available() int { return len(b.data) }

func (b *PCMBuffer) SampleRate() float64 { return b.rate }
func (b *PCMBuffer) First() int          { return b.base }
func (b *PCMBuffer) Len() int            { return b.base + len(b.data) }
func (b *PCMBuffer) At(i int) float64    { return b.data[i-b.base] }

func (b *PCMBuffer) Samples(lo, hi int) []float64 {
	return b.data[lo-b.base : hi-b.base]
}
