package sstv

import (
	"errors"
	"math"
)

// ErrOutOfRange is returned when a requested position lies outside the
// samples a provider currently holds. Callers decide whether to wait, pad or
// give up; positions are never clamped or wrapped.
var ErrOutOfRange = errors.New("sstv: sample position out of range")

// SampleProvider gives indexed access to mono samples at a fixed rate.
// Len is one past the last available absolute index.
type SampleProvider interface {
	SampleRate() float64
	Len() int
	At(i int) float64
}

// sampleSlicer is implemented by providers that can expose a contiguous span
// without copying. Lo and hi are absolute indices.
type sampleSlicer interface {
	Samples(lo, hi int) []float64
}

// firstIndexer is implemented by providers that discard old history.
type firstIndexer interface {
	First() int
}

func firstIndex(src SampleProvider) int {
	if f, ok := src.(firstIndexer); ok {
		return f.First()
	}
	return 0
}

// SliceSource is a SampleProvider over a caller-owned slice. The slice is
// referenced, not copied.
type SliceSource struct {
	Rate float64
	Data []float64
}

// NewSliceSource wraps samples normalized to [-1, 1].
func NewSliceSource(rate float64, data []float64) *SliceSource {
	return &SliceSource{Rate: rate, Data: data}
}

// NewInt16Source converts 16-bit PCM into a SliceSource.
func NewInt16Source(rate float64, pcm []int16) *SliceSource {
	data := make([]float64, len(pcm))
	for i, v := range pcm {
		data[i] = float64(v) / 32768.0
	}
	return &SliceSource{Rate: rate, Data: data}
}

func (s *SliceSource) SampleRate() float64 { return s.Rate }
func (s *SliceSource) Len() int            { return len(s.Data) }
func (s *SliceSource) At(i int) float64    { return s.Data[i] }

func (s *SliceSource) Samples(lo, hi int) []float64 { return s.Data[lo:hi] }

// Interpolate returns the linearly interpolated sample value at a fractional
// absolute position.
func Interpolate(src SampleProvider, pos float64) (float64, error) {
	if math.IsNaN(pos) {
		return 0, ErrOutOfRange
	}
	i := int(math.Floor(pos))
	frac := pos - float64(i)
	if i < firstIndex(src) || i >= src.Len() {
		return 0, ErrOutOfRange
	}
	if frac == 0 {
		return src.At(i), nil
	}
	if i+1 >= src.Len() {
		return 0, ErrOutOfRange
	}
	a, b := src.At(i), src.At(i+1)
	return a + (b-a)*frac, nil
}

// fillInterpolated writes len(dst) samples spaced one sample apart starting
// at the fractional position start.
func fillInterpolated(src SampleProvider, start float64, dst []float64) error {
	if math.IsNaN(start) || len(dst) == 0 {
		return ErrOutOfRange
	}
	i0 := int(math.Floor(start))
	frac := start - float64(i0)
	need := i0 + len(dst) // last index read is i0+len(dst) when frac > 0
	if frac == 0 {
		need--
	}
	if i0 < firstIndex(src) || need >= src.Len() {
		return ErrOutOfRange
	}

	if sl, ok := src.(sampleSlicer); ok {
		span := sl.Samples(i0, need+1)
		if frac == 0 {
			copy(dst, span)
			return nil
		}
		for k := range dst {
			a, b := span[k], span[k+1]
			dst[k] = a + (b-a)*frac
		}
		return nil
	}

	for k := range dst {
		a := src.At(i0 + k)
		if frac == 0 {
			dst[k] = a
			continue
		}
		b := src.At(i0 + k + 1)
		dst[k] = a + (b-a)*frac
	}
	return nil
}
