package sstv

import (
	"errors"
	"log"
	"math"
)

/*
 * Decoder Session
 *
 * One session is one decode attempt:
 *   Idle -> DetectingVIS (unless a mode is forced) -> SearchingForSync
 *        -> SyncLocked <-> DecodingLine -> ImageComplete
 *                                       -> SyncLost (misses or input ended)
 *
 * Lines are decoded on a free-running timing model anchored at the locked
 * sync pulse. Every later pulse is only verified: a found pulse feeds the
 * skew fit, a missing one is tolerated up to MaxSyncMisses consecutive lines
 * and the line is decoded where the model predicts it.
 *
 * The session is synchronous and single-threaded. Streaming callers Feed
 * samples and call Process; Process returns as soon as it needs samples that
 * have not arrived. Finish declares the input ended and settles the outcome.
 */

// Result summarizes a decode attempt. It is valid at any point; Finish
// returns the final one.
type Result struct {
	Outcome      Outcome
	Mode         *Mode
	VIS          *VISResult
	LinesDecoded int
	RowsWritten  int
	// Timing is the model in effect at the end, including any fitted skew.
	// Decoding the same samples again with its phase and skew redraws the
	// image with the correction applied from the first line.
	Timing Timing
	// OriginFitMs is how far the fitted origin moved from where a fixed model
	// with the same skew, anchored at the locking pulse, would put it.
	OriginFitMs    float64
	Stats          LineStats
	SyncConfidence float64
	SyncMisses     int
	Err            error   // VIS protocol error, if any
	EndSec         float64 // end of the image or of the decoded part
	FSKID          string
}

// RedrawConfig returns cfg set up to decode the same samples again with the
// fitted skew and origin applied from the first line.
func (r Result) RedrawConfig(cfg Config) Config {
	cfg.AutoSkew = false
	cfg.SkewMsPerLine = r.Timing.SkewMsPerLine
	cfg.PhaseOffsetMs = r.Timing.PhaseOffsetMs + r.OriginFitMs
	return cfg
}

// Session decodes one image from a sample stream.
type Session struct {
	cfg      Config
	sink     ImageSink
	observe  Observer
	batchSrc SampleProvider // nil when streaming
	forced   *Mode

	buf   *PCMBuffer
	src   SampleProvider
	demod *FrequencyDemodulator
	snr   *SNREstimator
	vis   *VISDecoder
	sync  *syncDetector
	fit   *skewFit

	state   State
	ended   bool
	fed     int
	mode    *Mode
	visRes  *VISResult
	shiftHz float64

	base     Timing // model fixed at lock time
	lockMs   float64
	lockLine int
	locked   bool
	line     int
	verified bool // current line's pulse has been checked
	misses   int

	expectFirst   bool
	searchFrom    float64
	searchWindows int

	nextRow    int
	fskPending bool
	fskEndSec  float64
	startSec   float64 // where a rearmed session resumes
	lc         lineContext
	snrBuf     []float64
	result     Result
}

// NewSession creates a streaming session. Samples are supplied with Feed.
func NewSession(cfg Config, sink ImageSink, obs Observer) (*Session, error) {
	return newSession(cfg, nil, sink, obs)
}

func newSession(cfg Config, src SampleProvider, sink ImageSink, obs Observer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = nopSink{}
	}
	s := &Session{
		cfg:      cfg,
		sink:     sink,
		observe:  obs,
		batchSrc: src,
	}
	if cfg.ForcedMode != "" {
		s.forced, _ = ModeByName(cfg.ForcedMode)
	}
	if src == nil {
		s.buf = NewPCMBuffer(cfg.SampleRate)
		s.src = s.buf
	} else {
		s.src = src
		s.ended = true
		s.fed = src.Len()
	}
	s.demod = NewFrequencyDemodulator(s.src, cfg.NoiseFloor)
	s.snr = NewSNREstimator(s.src.SampleRate())
	return s, nil
}

// Decode runs a whole session over src. The configured sample rate is
// replaced by the source's.
func Decode(src SampleProvider, cfg Config, sink ImageSink, obs Observer) (Result, error) {
	if src == nil || src.Len() == 0 {
		return Result{Outcome: OutcomeNoImage, Err: ErrEmptyInput}, ErrEmptyInput
	}
	cfg.SampleRate = src.SampleRate()
	s, err := newSession(cfg, src, sink, obs)
	if err != nil {
		return Result{}, err
	}
	return s.Finish(), nil
}

// Reset returns the session to its initial state. A batch session keeps its
// source; a streaming session drops everything fed so far.
func (s *Session) Reset() {
	fresh, err := newSession(s.cfg, s.batchSrc, s.sink, s.observe)
	if err != nil {
		// The configuration was validated when s was built.
		return
	}
	*s = *fresh
}

// Rearm starts over on the samples a finished streaming session has not
// consumed, so a transmission that follows closely is still found. A batch
// session is reset as by Reset.
func (s *Session) Rearm() {
	if s.buf == nil {
		s.Reset()
		return
	}
	from := s.resumeSec()
	buf, fed, ended := s.buf, s.fed, s.ended
	s.Reset()
	s.buf, s.src, s.fed, s.ended = buf, buf, fed, ended
	s.demod = NewFrequencyDemodulator(buf, s.cfg.NoiseFloor)
	s.snr = NewSNREstimator(buf.SampleRate())
	s.startSec = from
}

// resumeSec is the end of everything the session has consumed.
func (s *Session) resumeSec() float64 {
	t := math.Max(s.firstSec(), s.startSec)
	t = math.Max(t, s.result.EndSec)
	t = math.Max(t, s.fskEndSec)
	if s.vis != nil {
		t = math.Max(t, s.vis.cursorSec)
	}
	if s.visRes != nil {
		t = math.Max(t, s.visRes.EndSec)
	}
	if s.mode != nil && !s.locked {
		t = math.Max(t, s.searchFrom)
	}
	return t
}

// Feed appends 16-bit PCM samples. It is ignored for batch sessions and
// after Finish.
func (s *Session) Feed(samples []int16) {
	if s.buf == nil || s.ended {
		return
	}
	s.buf.Write(samples)
	s.fed += len(samples)
}

// FeedFloat appends samples normalized to [-1, 1].
func (s *Session) FeedFloat(samples []float64) {
	if s.buf == nil || s.ended {
		return
	}
	s.buf.WriteFloat(samples)
	s.fed += len(samples)
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Mode returns the active mode, nil before one is known.
func (s *Session) Mode() *Mode { return s.mode }

// Result returns the result so far.
func (s *Session) Result() Result { return s.result }

// Process advances as far as the buffered samples allow.
func (s *Session) Process() State {
	for !s.state.Terminal() || s.fskPending {
		if !s.step() {
			break
		}
	}
	s.trim()
	return s.state
}

// Finish declares the input ended, decodes whatever remains and returns the
// final result.
func (s *Session) Finish() Result {
	s.ended = true
	if s.fed == 0 {
		s.result.Outcome = OutcomeNoImage
		s.result.Err = ErrEmptyInput
		return s.result
	}
	s.Process()
	if s.result.Outcome == OutcomePending {
		if s.mode == nil {
			s.result.Outcome = OutcomeNoImage
		} else {
			s.lose(OutcomeTruncated, "input ended")
		}
	}
	return s.result
}

func (s *Session) step() bool {
	switch s.state {
	case StateIdle:
		s.start()
		return true
	case StateDetectingVIS:
		return s.detectVIS()
	case StateSearchingForSync:
		return s.searchSync()
	case StateSyncLocked:
		return s.trackSync()
	case StateDecodingLine:
		return s.decodeLine()
	case StateImageComplete:
		if s.fskPending {
			return s.decodeFSKID()
		}
	}
	return false
}

func (s *Session) rate() float64 { return s.src.SampleRate() }

func (s *Session) firstSec() float64 { return float64(firstIndex(s.src)) / s.rate() }

func (s *Session) emit(ev Event) {
	if s.observe != nil {
		s.observe(ev)
	}
}

func (s *Session) start() {
	from := math.Max(s.firstSec(), s.startSec)
	if s.forced != nil {
		s.setMode(s.forced, 1, from)
		s.beginSearch(from, false)
		return
	}
	s.vis = NewVISDecoder(s.demod, s.cfg.VISLayout, from, s.cfg.Debug)
	s.state = StateDetectingVIS
}

func (s *Session) detectVIS() bool {
	res, err := s.vis.Step()
	switch {
	case err == nil:
		s.visRes = res
		s.shiftHz = res.ShiftHz
		s.result.VIS = res
		s.setMode(res.Mode, res.Confidence, res.EndSec)
		s.beginSearch(res.EndSec, true)
		return true
	case errors.Is(err, errNeedMore), errors.Is(err, ErrOutOfRange):
		if s.ended {
			s.result.Outcome = OutcomeNoImage
		}
		return false
	default:
		log.Printf("[SSTV Session] VIS rejected: %v", err)
		s.result.Err = err
		s.result.Outcome = OutcomeNoImage
		s.state = StateFailed
		s.emit(Event{Kind: EventVISError, Err: err, Outcome: OutcomeNoImage})
		return false
	}
}

func (s *Session) setMode(m *Mode, confidence, atSec float64) {
	s.mode = m
	s.result.Mode = m
	s.sync = newSyncDetector(s.demod, m.SyncMs, s.shiftHz)
	s.fit = newSkewFit(m.LineMs, s.cfg.SyncToleranceMs)
	s.lc = lineContext{demod: s.demod, shiftHz: s.shiftHz}
	if m.Chroma == ChromaAlternating {
		s.lc.robot = newRobotChroma(m.Width)
	}
	if st, ok := s.sink.(imageStarter); ok {
		st.Start(m)
	}
	log.Printf("[SSTV Session] Mode %s (%dx%d, %d lines)", m.Name, m.Width, m.Height, m.Lines)
	s.emit(Event{Kind: EventModeDetected, Mode: m, Confidence: confidence, TimeSec: atSec})
}

func (s *Session) beginSearch(fromSec float64, afterVIS bool) {
	s.state = StateSearchingForSync
	s.expectFirst = afterVIS
	s.searchFrom = fromSec
	s.searchWindows = 0
}

// scanSync scans for a pulse, trimming the range to the samples that exist
// once the input has ended.
func (s *Session) scanSync(fromSec, toSec float64) (syncPulse, bool, error) {
	if s.ended {
		if last := s.sync.lastEdgeSec(s.src.Len()); toSec > last {
			toSec = last
			if toSec < fromSec {
				return syncPulse{}, false, ErrOutOfRange
			}
		}
	}
	return s.sync.scan(fromSec, toSec)
}

// starved handles a read past the buffered samples: wait for more, or end
// the image as truncated when no more will come.
func (s *Session) starved(err error) bool {
	if !errors.Is(err, ErrOutOfRange) {
		log.Printf("[SSTV Session] Unexpected error: %v", err)
	}
	if s.ended {
		s.lose(OutcomeTruncated, "input ended")
	}
	return false
}

func (s *Session) searchSync() bool {
	m := s.mode
	lineSec := m.LineMs / 1000
	tol := s.cfg.SyncToleranceMs / 1000

	// Line 0's sync follows the VIS stop bit directly.
	if s.expectFirst {
		exp := s.visRes.EndSec + m.SyncMs/1000
		p, found, err := s.scanSync(exp-0.020, exp+0.020)
		if err != nil {
			return s.starved(err)
		}
		s.expectFirst = false
		if found {
			s.lock(p, 0)
		} else if s.cfg.Debug {
			log.Printf("[SSTV Session] No sync right after VIS, searching")
		}
		return true
	}

	from := math.Max(s.searchFrom, s.sync.firstEdgeSec(firstIndex(s.src)))
	p, found, err := s.scanSync(from, from+lineSec+tol)
	if err != nil {
		return s.starved(err)
	}
	if found {
		// A lone 1200 Hz stretch is not enough; the next line must agree.
		next := p.EdgeSec + lineSec
		_, ok, err := s.scanSync(next-tol, next+tol)
		if err != nil {
			return s.starved(err)
		}
		if ok {
			line := 0
			if s.visRes != nil {
				line = int(math.Round((p.EdgeSec - s.visRes.EndSec - m.SyncMs/1000) / lineSec))
				if line < 0 {
					line = 0
				}
			}
			if line < m.Lines {
				s.lock(p, line)
				return true
			}
		}
	}

	s.searchFrom = from + lineSec
	s.searchWindows++
	if s.visRes != nil && s.searchWindows > s.cfg.MaxSyncMisses {
		s.lose(OutcomeSyncLost, "no sync pulse after VIS")
		return false
	}
	return true
}

func (s *Session) lock(p syncPulse, line int) {
	m := s.mode
	skew := s.cfg.SkewMsPerLine
	s.base = Timing{
		OriginMs:      p.StartSec*1000 - float64(line)*(m.LineMs+skew),
		LineMs:        m.LineMs,
		PhaseOffsetMs: s.cfg.PhaseOffsetMs,
		SkewMsPerLine: skew,
	}
	s.lockMs, s.lockLine = p.StartSec*1000, line
	s.locked = true
	s.line = line
	s.nextRow = 0
	s.verified = true
	s.misses = 0
	s.fit.add(line, 0)
	s.result.SyncConfidence = p.Score
	s.setTiming(s.timing())
	s.state = StateSyncLocked
	log.Printf("[SSTV Session] Sync locked at %.3fs (line %d, confidence %.2f)", p.StartSec, line, p.Score)
	s.emit(Event{Kind: EventSyncLocked, Mode: m, Line: line, Confidence: p.Score, TimeSec: p.StartSec})
}

func (s *Session) setTiming(t Timing) {
	s.result.Timing = t
	s.result.OriginFitMs = t.OriginMs - (s.lockMs - float64(s.lockLine)*(t.LineMs+t.SkewMsPerLine))
}

// timing is the model used for the next line.
func (s *Session) timing() Timing {
	if s.cfg.AutoSkew && s.fit != nil {
		return s.fit.apply(s.base)
	}
	return s.base
}

func (s *Session) trackSync() bool {
	if s.verified {
		s.state = StateDecodingLine
		return true
	}
	m := s.mode
	t := s.timing()
	tol := s.cfg.SyncToleranceMs / 1000
	predicted := t.SyncStartMs(s.line)
	edge := (predicted + m.SyncMs) / 1000

	p, found, err := s.scanSync(edge-tol, edge+tol)
	if err != nil {
		return s.starved(err)
	}
	if !found {
		p, found, err = s.scanSync(edge-3*tol, edge+3*tol)
		if err != nil {
			return s.starved(err)
		}
		if found && !s.cfg.AutoSkew {
			// Without the fit, re-acquisition moves the anchor itself.
			s.base.OriginMs += p.StartSec*1000 - predicted
		}
	}

	if found {
		s.fit.add(s.line, p.StartSec*1000-s.base.SyncStartMs(s.line))
		s.misses = 0
	} else {
		s.misses++
		s.result.SyncMisses++
		if s.cfg.Debug {
			log.Printf("[SSTV Session] Sync missing on line %d (%d consecutive)", s.line, s.misses)
		}
		s.emit(Event{Kind: EventSyncMissed, Mode: m, Line: s.line, TimeSec: predicted / 1000})
		if s.misses > s.cfg.MaxSyncMisses {
			s.lose(OutcomeSyncLost, "too many missing sync pulses")
			return false
		}
	}
	s.verified = true
	s.state = StateDecodingLine
	return true
}

// lineSNR measures the SNR around the middle of the current line.
func (s *Session) lineSNR(t Timing) (float64, error) {
	n := s.snr.Size()
	if cap(s.snrBuf) < n {
		s.snrBuf = make([]float64, n)
	}
	buf := s.snrBuf[:n]
	center := t.TimeSec(s.line, s.mode.LineMs/2) * s.rate()
	if err := fillInterpolated(s.src, math.Round(center)-float64(n/2), buf); err != nil {
		return 0, err
	}
	return s.snr.Estimate(buf), nil
}

func (s *Session) decodeLine() bool {
	m := s.mode
	t := s.timing()

	scale, snr := 1.0, 0.0
	if s.cfg.Adaptive {
		var err error
		if snr, err = s.lineSNR(t); err != nil {
			return s.starved(err)
		}
		scale = windowScaleForSNR(snr)
	}
	win := s.demod.MinWindowSec() * scale

	// Skip the attempt while the end of the line is still on its way.
	if !s.ended {
		need := (t.TimeSec(s.line, m.LineMs) + 0.625*win) * s.rate()
		if float64(s.src.Len()) < need+2 {
			return false
		}
	}

	s.lc.timing = t
	s.lc.windowSec = win
	res, err := m.Interpret(&s.lc, s.line)
	if err != nil {
		return s.starved(err)
	}
	res.Stats.SNR = snr

	written := 0
	for _, row := range res.Rows {
		if row.Index < s.nextRow || row.Index >= m.Height {
			continue
		}
		if err := s.sink.WriteRow(row.Index, row.Pixels); err != nil {
			log.Printf("[SSTV Session] Sink rejected row %d: %v", row.Index, err)
			continue
		}
		s.nextRow = row.Index + 1
		written++
	}
	s.result.RowsWritten += written
	s.result.LinesDecoded++
	s.result.Stats.add(res.Stats)
	s.setTiming(t)
	s.result.EndSec = t.TimeSec(s.line+1, 0)

	if s.cfg.Debug {
		log.Printf("[SSTV Session] Line %d: %d rows, SNR %.1f dB, window %.2f ms, clamped %d, low confidence %d",
			s.line, written, snr, win*1000, res.Stats.Clamped, res.Stats.LowConfidence)
	}
	s.emit(Event{Kind: EventLineDecoded, Mode: m, Line: s.line, Rows: written, Stats: res.Stats, TimeSec: t.TimeSec(s.line, 0)})

	s.line++
	s.verified = false
	if s.line >= m.Lines {
		s.complete()
		return true
	}
	s.state = StateSyncLocked
	return true
}

func (s *Session) complete() {
	t := s.timing()
	s.state = StateImageComplete
	s.result.Outcome = OutcomeComplete
	s.setTiming(t)
	s.result.EndSec = t.SyncStartMs(s.mode.Lines) / 1000
	s.sink.MarkComplete()
	log.Printf("[SSTV Session] Image complete: %s, %d rows, skew %.4f ms/line",
		s.mode.Name, s.result.RowsWritten, t.SkewMsPerLine)
	s.emit(Event{
		Kind:    EventImageComplete,
		Mode:    s.mode,
		Line:    s.line,
		Rows:    s.result.RowsWritten,
		Outcome: OutcomeComplete,
		TimeSec: s.result.EndSec,
	})
	s.fskPending = s.cfg.DecodeFSKID
}

func (s *Session) lose(outcome Outcome, reason string) {
	s.state = StateSyncLost
	s.result.Outcome = outcome
	if s.locked {
		s.setTiming(s.timing())
	}
	s.sink.MarkPartial(s.result.RowsWritten)
	log.Printf("[SSTV Session] %s after %d lines: %s", outcome, s.result.LinesDecoded, reason)
	s.emit(Event{
		Kind:    EventSyncLost,
		Mode:    s.mode,
		Line:    s.line,
		Rows:    s.result.RowsWritten,
		Outcome: outcome,
		TimeSec: s.result.EndSec,
	})
}

func (s *Session) decodeFSKID() bool {
	from := s.result.EndSec
	to := from + fskSearchSec + fskMaxDurationSec
	if avail := float64(s.src.Len()) / s.rate(); to > avail {
		if !s.ended {
			return false
		}
		to = avail
	}
	s.fskPending = false
	dec := NewFSKIDDecoder(s.demod, s.shiftHz)
	id, ok := dec.Decode(from, to)
	if ok {
		s.fskEndSec = dec.EndSec()
		s.result.FSKID = id
		s.emit(Event{Kind: EventFSKID, Mode: s.mode, Text: id, TimeSec: from})
	}
	return false
}

// trim releases streamed history the session can no longer need.
func (s *Session) trim() {
	if s.buf == nil {
		return
	}
	var keepSec float64
	switch s.state {
	case StateIdle:
		return
	case StateDetectingVIS:
		keepSec = s.vis.KeepFromSec()
	case StateSearchingForSync:
		if s.expectFirst {
			keepSec = s.visRes.EndSec - 0.05
		} else {
			keepSec = s.searchFrom - s.mode.SyncMs/1000 - 0.05
		}
	case StateSyncLocked, StateDecodingLine:
		tol := s.cfg.SyncToleranceMs
		ms := math.Min(s.timing().SyncStartMs(s.line), s.base.SyncStartMs(s.line))
		keepSec = (ms - 3*tol - 20) / 1000
	case StateImageComplete:
		if s.fskPending {
			keepSec = s.result.EndSec - 0.05
		} else {
			keepSec = s.resumeSec() - 0.05
		}
	default:
		keepSec = s.resumeSec() - 0.05
	}
	s.buf.Discard(int(math.Floor(keepSec * s.rate())))
}

type nopSink struct{}

func (nopSink) WriteRow(int, PixelRow) error { return nil }
func (nopSink) MarkComplete()                {}
func (nopSink) MarkPartial(int)              {}
