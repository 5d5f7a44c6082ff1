package sstv

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrRowOrder is returned by ImageBuffer for a row outside the image or not
// after the previous one.
var ErrRowOrder = errors.New("sstv: row out of bounds or out of order")

// ImageSink receives decoded rows in strictly increasing order. A row's
// pixels belong to the sink once WriteRow returns.
type ImageSink interface {
	WriteRow(row int, px PixelRow) error
	MarkComplete()
	MarkPartial(rows int)
}

// imageStarter is implemented by sinks that want the mode before the first
// row (to size themselves).
type imageStarter interface {
	Start(m *Mode)
}

// ImageBuffer is an in-memory ImageSink.
type ImageBuffer struct {
	img      *image.NRGBA
	width    int
	height   int
	lastRow  int
	rows     int
	complete bool
	partial  bool
}

// NewImageBuffer creates an empty buffer; it is sized by Start.
func NewImageBuffer() *ImageBuffer {
	return &ImageBuffer{lastRow: -1}
}

// Start clears the buffer and sizes it for m.
func (b *ImageBuffer) Start(m *Mode) {
	b.width, b.height = m.Width, m.Height
	b.img = image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i := 3; i < len(b.img.Pix); i += 4 {
		b.img.Pix[i] = 0xff
	}
	b.lastRow = -1
	b.rows = 0
	b.complete = false
	b.partial = false
}

// WriteRow stores one row.
func (b *ImageBuffer) WriteRow(row int, px PixelRow) error {
	if b.img == nil || row < 0 || row >= b.height || row <= b.lastRow {
		return fmt.Errorf("%w: row %d", ErrRowOrder, row)
	}
	for x := 0; x < b.width && x < len(px); x++ {
		p := px[x]
		b.img.SetNRGBA(x, row, color.NRGBA{R: to8(p.R), G: to8(p.G), B: to8(p.B), A: 0xff})
	}
	b.lastRow = row
	b.rows++
	return nil
}

func (b *ImageBuffer) MarkComplete() { b.complete = true }

func (b *ImageBuffer) MarkPartial(rows int) { b.partial = true }

// Image returns the decoded image (nil before Start). Unwritten rows are black.
func (b *ImageBuffer) Image() *image.NRGBA { return b.img }

// Rows returns the number of rows written.
func (b *ImageBuffer) Rows() int { return b.rows }

// Complete reports whether the session marked the image complete.
func (b *ImageBuffer) Complete() bool { return b.complete }

// Partial reports whether the session ended the image early.
func (b *ImageBuffer) Partial() bool { return b.partial }
