package sstv

import (
	"errors"
	"fmt"
	"log"
	"math"
)

/*
 * VIS Code Detection
 *
 * Header layout:
 *   leader 1900 Hz ~300 ms, break 1200 Hz ~10 ms, (optional second leader),
 *   start bit 1200 Hz 30 ms, data bits LSB first, even parity bit,
 *   stop bit 1200 Hz 30 ms
 *
 * The detector hops through the stream in 10 ms steps looking for a stable
 * leader, locates the leader's falling edge, and once the whole header is
 * buffered tries a small range of bit alignments, keeping the one whose bit
 * centers sit closest to legal tones. The leader's measured offset from
 * 1900 Hz is applied to every tone that follows.
 */

// Protocol errors. A parity failure and an unrecognized code are reported
// separately; a caller may retry the second with a forced mode.
var (
	ErrVISParity      = errors.New("sstv: VIS parity mismatch")
	ErrVISUnknownCode = errors.New("sstv: unrecognized VIS code")
)

// errNeedMore means the decoder is waiting for samples.
var errNeedMore = errors.New("sstv: need more samples")

// VISLayout selects the bit framing of the header.
type VISLayout int

const (
	// VISLayoutEightBit: 8 data bits, 1100 Hz = 0, 1300 Hz = 1, then parity.
	VISLayoutEightBit VISLayout = iota
	// VISLayoutClassic: 7 data bits, 1100 Hz = 1, 1300 Hz = 0, then parity,
	// as on-air transmitters send it.
	VISLayoutClassic
)

func (l VISLayout) String() string {
	if l == VISLayoutClassic {
		return "classic"
	}
	return "eight_bit"
}

// DataBits is the number of code bits before the parity bit.
func (l VISLayout) DataBits() int {
	if l == VISLayoutClassic {
		return 7
	}
	return 8
}

// BitHz returns the tone for a bit value.
func (l VISLayout) BitHz(bit int) float64 {
	one, zero := 1300.0, 1100.0
	if l == VISLayoutClassic {
		one, zero = 1100.0, 1300.0
	}
	if bit != 0 {
		return one
	}
	return zero
}

// HeaderBits returns the data bits followed by the even parity bit.
func (l VISLayout) HeaderBits(code uint8) []int {
	n := l.DataBits()
	bits := make([]int, 0, n+1)
	parity := 0
	for i := 0; i < n; i++ {
		b := int(code>>uint(i)) & 1
		parity ^= b
		bits = append(bits, b)
	}
	return append(bits, parity)
}

const (
	visLeaderHz  = 1900.0
	visBitMs     = 30.0
	visHopMs     = 10.0
	visWindowMs  = 20.0
	visMaxShift  = 100.0
	visLeaderMin = 150.0 // ms of stable leader before an edge is accepted

	visToneTolerance = 100.0
	visStability     = 30.0
	visMaxBadHops    = 2
)

// VISResult is a successfully decoded header.
type VISResult struct {
	Code       uint8
	Mode       *Mode
	ShiftHz    float64 // measured leader offset from 1900 Hz
	Confidence float64 // 0..1, mean bit clarity
	StartSec   float64 // leader start
	EndSec     float64 // end of the stop bit
}

// VISError carries the received code with a protocol error.
type VISError struct {
	Code   uint8
	Parity int // received parity bit
	Err    error
}

func (e *VISError) Error() string {
	return fmt.Sprintf("%v (code 0x%02X, parity bit %d)", e.Err, e.Code, e.Parity)
}

func (e *VISError) Unwrap() error { return e.Err }

type visPhase int

const (
	visSearchLeader visPhase = iota
	visInLeader
	visAwaitBits
)

// VISDecoder finds and decodes one VIS header in a stream. Call Step each
// time new samples are available.
type VISDecoder struct {
	demod  *FrequencyDemodulator
	layout VISLayout
	debug  bool

	phase      visPhase
	cursorSec  float64
	runHops    int
	runSum     float64
	runStart   float64
	badHops    int
	edgeSec    float64
	iterations int
}

// NewVISDecoder creates a decoder starting at startSec.
func NewVISDecoder(demod *FrequencyDemodulator, layout VISLayout, startSec float64, debug bool) *VISDecoder {
	v := &VISDecoder{
		demod:  demod,
		layout: layout,
		debug:  debug,
	}
	v.cursorSec = startSec + v.reachSec()
	return v
}

// reachSec is how far an estimate reads on either side of its center. The
// demodulator widens the window by a quarter for its phase refinement.
func (v *VISDecoder) reachSec() float64 {
	n := v.demod.windowLength(visWindowMs / 1000)
	return math.Ceil(float64(n+n/4)/2) / v.demod.rate
}

// KeepFromSec is the earliest stream time the decoder may still read.
func (v *VISDecoder) KeepFromSec() float64 {
	t := v.cursorSec - visWindowMs/1000
	if v.phase != visSearchLeader && v.runStart < t {
		t = v.runStart
	}
	return t - 0.02
}

func (v *VISDecoder) leaderHz() float64 {
	if v.runHops == 0 {
		return visLeaderHz
	}
	return v.runSum / float64(v.runHops)
}

func (v *VISDecoder) restart() {
	v.phase = visSearchLeader
	v.runHops = 0
	v.runSum = 0
	v.badHops = 0
}

// Step advances through the buffered samples. It returns errNeedMore while
// waiting, a result on success, or a *VISError wrapping ErrVISParity or
// ErrVISUnknownCode.
func (v *VISDecoder) Step() (*VISResult, error) {
	for {
		if v.phase == visAwaitBits {
			return v.decodeBits()
		}

		// Samples before the first one held never arrive; skip past them.
		if lo := float64(firstIndex(v.demod.src))/v.demod.rate + v.reachSec(); v.cursorSec < lo {
			v.cursorSec = lo
		}
		est, err := v.demod.EstimateFrequency(v.cursorSec, visWindowMs/1000)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				return nil, errNeedMore
			}
			return nil, err
		}
		v.iterations++
		if v.debug && v.iterations%500 == 0 {
			log.Printf("[SSTV VIS] Still searching (t=%.2fs)", v.cursorSec)
		}

		switch v.phase {
		case visSearchLeader:
			v.searchLeader(est)
		case visInLeader:
			if err := v.followLeader(est); err != nil {
				return nil, err
			}
		}
		if v.phase != visAwaitBits {
			v.cursorSec += visHopMs / 1000
		}
	}
}

func (v *VISDecoder) searchLeader(est FreqEstimate) {
	ok := est.Confident && math.Abs(est.Hz-visLeaderHz) < visMaxShift
	if ok && v.runHops > 0 && math.Abs(est.Hz-v.leaderHz()) > visStability {
		ok = false
	}
	if !ok {
		v.runHops, v.runSum = 0, 0
		return
	}
	if v.runHops == 0 {
		v.runStart = v.cursorSec - visHopMs/2000
	}
	v.runHops++
	v.runSum += est.Hz
	if float64(v.runHops)*visHopMs >= visLeaderMin {
		v.phase = visInLeader
		v.badHops = 0
		if v.debug {
			log.Printf("[SSTV VIS] Leader at %.3fs, %.1f Hz", v.runStart, v.leaderHz())
		}
	}
}

func (v *VISDecoder) followLeader(est FreqEstimate) error {
	leader := v.leaderHz()
	shift := leader - visLeaderHz
	switch {
	case est.Confident && math.Abs(est.Hz-leader) < visStability:
		v.runHops++
		v.runSum += est.Hz
		v.badHops = 0
	case est.Confident && math.Abs(est.Hz-(SyncHz+shift)) < visToneTolerance:
		edge, err := v.findEdge(leader)
		if err != nil {
			return err
		}
		// A 1200 Hz stretch followed by more leader was the calibration break.
		after, err := v.demod.EstimateFrequency(edge+0.025, visWindowMs/1000)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				// Revisit this hop when more samples arrive.
				return errNeedMore
			}
			return err
		}
		if after.Confident && math.Abs(after.Hz-leader) < visToneTolerance {
			v.cursorSec = edge + 0.020
			return nil
		}
		v.edgeSec = edge
		v.phase = visAwaitBits
	default:
		v.badHops++
		if v.badHops > visMaxBadHops {
			v.restart()
		}
	}
	return nil
}

// findEdge scans back over the last hop at 1 ms resolution for the point
// where the tone crosses halfway from the leader to 1200 Hz.
func (v *VISDecoder) findEdge(leader float64) (float64, error) {
	mid := (leader + SyncHz + (leader - visLeaderHz)) / 2
	from := v.cursorSec - 0.015
	for t := from; t <= v.cursorSec+1e-9; t += 0.001 {
		est, err := v.demod.EstimateFrequency(t, 0.005)
		if err != nil {
			return 0, err
		}
		if est.Confident && est.Hz < mid {
			return t, nil
		}
	}
	return v.cursorSec, nil
}

// decodeBits picks the best bit alignment after the edge and decodes.
func (v *VISDecoder) decodeBits() (*VISResult, error) {
	nBits := v.layout.DataBits() + 1 // data + parity
	shift := v.leaderHz() - visLeaderHz
	hz0 := v.layout.BitHz(0) + shift
	hz1 := v.layout.BitHz(1) + shift
	sync := SyncHz + shift

	// Latest alignment needs the stop bit center plus half a window.
	lastNeeded := v.edgeSec + 0.013 + (float64(nBits+1)*visBitMs+visBitMs/2+visWindowMs/2+5)/1000
	if _, err := Interpolate(v.demod.src, math.Ceil(lastNeeded*v.demod.rate)); err != nil {
		return nil, errNeedMore
	}

	bestScore := math.Inf(1)
	var bestStart float64
	var bestFreqs []float64
	for off := -3; off <= 13; off++ {
		start := v.edgeSec + float64(off)/1000
		freqs := make([]float64, nBits+2)
		score := 0.0
		for b := 0; b < nBits+2; b++ {
			center := start + (float64(b)*visBitMs+visBitMs/2)/1000
			est, err := v.demod.EstimateFrequency(center, visWindowMs/1000)
			if err != nil {
				return nil, errNeedMore
			}
			f := est.Hz
			if !est.Confident {
				f = 0
			}
			freqs[b] = f
			switch {
			case b == 0 || b == nBits+1: // start and stop bits
				score += math.Abs(f - sync)
			default:
				score += math.Min(math.Abs(f-hz0), math.Abs(f-hz1))
			}
		}
		if score < bestScore {
			bestScore, bestStart, bestFreqs = score, start, freqs
		}
	}

	bits := make([]int, nBits)
	clarity := 0.0
	for b := 0; b < nBits; b++ {
		f := bestFreqs[b+1]
		d0, d1 := math.Abs(f-hz0), math.Abs(f-hz1)
		if d1 < d0 {
			bits[b] = 1
		}
		clarity += clamp01(1 - math.Min(d0, d1)/visToneTolerance)
	}

	var code uint8
	parity := 0
	for i := 0; i < nBits-1; i++ {
		code |= uint8(bits[i]) << uint(i)
		parity ^= bits[i]
	}
	received := bits[nBits-1]
	end := bestStart + float64(nBits+2)*visBitMs/1000

	// Restart after this header whatever the outcome.
	v.cursorSec = end + visWindowMs/2000
	v.restart()

	if parity != received {
		log.Printf("[SSTV VIS] Parity mismatch for code 0x%02X", code)
		return nil, &VISError{Code: code, Parity: received, Err: ErrVISParity}
	}
	mode, ok := ModeByVIS(code)
	if !ok {
		log.Printf("[SSTV VIS] Unrecognized code 0x%02X", code)
		return nil, &VISError{Code: code, Parity: received, Err: ErrVISUnknownCode}
	}

	res := &VISResult{
		Code:       code,
		Mode:       mode,
		ShiftHz:    shift,
		Confidence: clarity / float64(nBits),
		StartSec:   v.runStart,
		EndSec:     end,
	}
	log.Printf("[SSTV VIS] Detected %s (VIS 0x%02X, shift %+.1f Hz, confidence %.2f)",
		mode.Name, code, shift, res.Confidence)
	return res, nil
}
