package sstv

import (
	"fmt"
	"strings"
)

/*
 * SSTV Mode Specifications
 *
 * References:
 *   - Martin Bruchanov OK2MNM (2012, 2019): www.sstv-handbook.com/download/sstv_04.pdf
 *   - JL Barber N7CXI: "Proposal for SSTV Mode Specifications" (Dayton SSTV forum, 2000)
 *   - Dave Jones KB4YZ (1999): "SSTV Modes - Line Timing"
 *
 * A mode is plain data (segment tables indexed by line parity) plus one
 * interpretation function. Adding a mode means adding one descriptor here and,
 * if its color layout is new, one interpreter.
 */

// ModeID identifies a supported mode.
type ModeID int

const (
	ModeNone ModeID = iota
	ModeRobot36
	ModePD120
	ModePD180
)

// SegmentKind says what a stretch of a transmitted line carries.
type SegmentKind int

const (
	SegSync SegmentKind = iota
	SegPorch
	SegSeparator
	SegLuma
	SegChromaRY
	SegChromaBY
)

func (k SegmentKind) String() string {
	switch k {
	case SegSync:
		return "sync"
	case SegPorch:
		return "porch"
	case SegSeparator:
		return "separator"
	case SegLuma:
		return "Y"
	case SegChromaRY:
		return "R-Y"
	case SegChromaBY:
		return "B-Y"
	}
	return "unknown"
}

// Segment is one entry in a line's timing table. Fixed tones have
// LoHz == HiHz; video segments span black..white.
type Segment struct {
	Kind       SegmentKind
	DurationMs float64
	LoHz, HiHz float64
	// Row selects which of the image rows a luma segment belongs to, for
	// modes that carry two rows per transmitted line.
	Row int
}

// ChromaRule describes how chrominance is shared between image rows.
type ChromaRule int

const (
	// ChromaPerLine: one R-Y/B-Y pair per transmitted line, shared by the two
	// image rows that line carries (PD).
	ChromaPerLine ChromaRule = iota
	// ChromaAlternating: even lines carry R-Y, odd lines B-Y; a pair of lines
	// produces two image rows (Robot 36).
	ChromaAlternating
)

type interpretFunc func(m *Mode, lc *lineContext, line int) (LineResult, error)

// Mode is an immutable mode descriptor shared by every line of a decode.
type Mode struct {
	ID        ModeID
	Name      string
	ShortName string
	VIS       uint8

	Width  int // pixels per row
	Height int // image rows
	Lines  int // transmitted lines

	SyncMs float64
	LineMs float64
	Chroma ChromaRule

	// Segments per line parity (index 0 even, 1 odd). Modes without
	// alternation use the same table twice.
	Segments [2][]Segment

	interpret interpretFunc
}

// SegmentStartMs returns the offset from the sync leading edge of the first
// segment of the given kind (and row) on a line of the given parity.
func (m *Mode) SegmentStartMs(parity int, kind SegmentKind, row int) (float64, Segment, bool) {
	t := 0.0
	for _, s := range m.Segments[parity&1] {
		if s.Kind == kind && (kind != SegLuma || s.Row == row) {
			return t, s, true
		}
		t += s.DurationMs
	}
	return 0, Segment{}, false
}

func (m *Mode) String() string { return m.Name }

func video(kind SegmentKind, ms float64, row int) Segment {
	return Segment{Kind: kind, DurationMs: ms, LoHz: BlackHz, HiHz: WhiteHz, Row: row}
}

func tone(kind SegmentKind, ms, hz float64) Segment {
	return Segment{Kind: kind, DurationMs: ms, LoHz: hz, HiHz: hz}
}

func lineDuration(segs []Segment) float64 {
	t := 0.0
	for _, s := range segs {
		t += s.DurationMs
	}
	return t
}

// newPDMode builds a PD descriptor: sync, porch, Y(even row), R-Y, B-Y,
// Y(odd row), every video channel width*pixelMs long.
func newPDMode(id ModeID, name, short string, vis uint8, width, height int, pixelMs float64) *Mode {
	ch := float64(width) * pixelMs
	segs := []Segment{
		tone(SegSync, 20.0, SyncHz),
		tone(SegPorch, 2.08, BlackHz),
		video(SegLuma, ch, 0),
		video(SegChromaRY, ch, 0),
		video(SegChromaBY, ch, 0),
		video(SegLuma, ch, 1),
	}
	return &Mode{
		ID:        id,
		Name:      name,
		ShortName: short,
		VIS:       vis,
		Width:     width,
		Height:    height,
		Lines:     height / 2,
		SyncMs:    20.0,
		LineMs:    lineDuration(segs),
		Chroma:    ChromaPerLine,
		Segments:  [2][]Segment{segs, segs},
		interpret: interpretPD,
	}
}

func newRobot36() *Mode {
	even := []Segment{
		tone(SegSync, 9.0, SyncHz),
		tone(SegPorch, 3.0, BlackHz),
		video(SegLuma, 88.0, 0),
		tone(SegSeparator, 4.5, BlackHz),
		tone(SegPorch, 1.5, 1900.0),
		video(SegChromaRY, 44.0, 0),
	}
	odd := []Segment{
		tone(SegSync, 9.0, SyncHz),
		tone(SegPorch, 3.0, BlackHz),
		video(SegLuma, 88.0, 0),
		tone(SegSeparator, 4.5, WhiteHz),
		tone(SegPorch, 1.5, 1900.0),
		video(SegChromaBY, 44.0, 0),
	}
	return &Mode{
		ID:        ModeRobot36,
		Name:      "Robot 36",
		ShortName: "R36",
		VIS:       0x08,
		Width:     320,
		Height:    240,
		Lines:     240,
		SyncMs:    9.0,
		LineMs:    lineDuration(even),
		Chroma:    ChromaAlternating,
		Segments:  [2][]Segment{even, odd},
		interpret: interpretRobot36,
	}
}

var (
	Robot36 = newRobot36()
	PD120   = newPDMode(ModePD120, "PD-120", "PD120", 0x5F, 640, 496, 0.19)
	PD180   = newPDMode(ModePD180, "PD-180", "PD180", 0x60, 640, 496, 0.286)
)

var allModes = []*Mode{Robot36, PD120, PD180}

// visMap maps 8-bit VIS codes to modes; nil entries are unrecognized.
var visMap = func() map[uint8]*Mode {
	m := make(map[uint8]*Mode, len(allModes))
	for _, mode := range allModes {
		m[mode.VIS] = mode
	}
	return m
}()

// Modes lists every supported mode.
func Modes() []*Mode {
	out := make([]*Mode, len(allModes))
	copy(out, allModes)
	return out
}

// ModeByVIS looks up a mode by VIS code.
func ModeByVIS(code uint8) (*Mode, bool) {
	m, ok := visMap[code]
	return m, ok
}

// ModeByID looks up a mode by identity.
func ModeByID(id ModeID) (*Mode, bool) {
	for _, m := range allModes {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// ModeByName accepts the long or short name, ignoring case, spaces and dashes
// ("PD120", "pd-120", "Robot 36", "R36").
func ModeByName(name string) (*Mode, error) {
	key := normalizeModeName(name)
	for _, m := range allModes {
		if key == normalizeModeName(m.Name) || key == normalizeModeName(m.ShortName) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

func normalizeModeName(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}
