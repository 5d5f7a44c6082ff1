package sstv

import (
	"math"
)

/*
 * Sync Pulse Detection
 *
 * Every supported mode ends its sync pulse on a black porch (1200 Hz to
 * 1500 Hz), so the detector keys on that trailing edge:
 *
 * 1. Sample a soft sync score s(t) on a 0.25 ms grid using the narrowest
 *    demodulation window: 1 at the sync tone, 0 at the porch tone, linear in
 *    between, 0 when the window carries no confident tone
 * 2. Matched filter over candidate edges e:
 *      M(e) = mean s over [e-sync, e] - mean s over [e, e+3 ms]
 *    evaluated from cumulative sums
 * 3. The best M above threshold is the pulse; its confidence is M
 * 4. The edge is refined to the point where s crosses 0.5, which for a
 *    symmetric transition sits on the true tone boundary
 *
 * The leading edge, which anchors the line timing, is the trailing edge
 * minus the mode's sync duration. Keying on the trailing edge keeps the
 * detector immune to whatever precedes the pulse, including a VIS stop bit
 * on the same tone.
 */

const (
	syncStepMs    = 0.25
	syncPorchMs   = 3.0
	syncBandHz    = 300.0 // sync-to-porch distance
	syncThreshold = 0.5
	syncRefineMs  = 2.0
)

// syncPulse is one detected sync pulse.
type syncPulse struct {
	EdgeSec  float64 // trailing edge
	StartSec float64 // leading edge
	Score    float64 // matched filter output, 0..1
}

// syncDetector scans for the trailing edge of a mode's sync pulse.
type syncDetector struct {
	demod   *FrequencyDemodulator
	syncMs  float64
	shiftHz float64

	scores []float64
	cum    []float64
}

func newSyncDetector(demod *FrequencyDemodulator, syncMs, shiftHz float64) *syncDetector {
	return &syncDetector{demod: demod, syncMs: syncMs, shiftHz: shiftHz}
}

// marginSec is how far past a scored point the demodulator reads.
func (d *syncDetector) marginSec() float64 {
	return 1.25*d.demod.MinWindowSec()/2 + 2/d.demod.SampleRate()
}

// lastEdgeSec is the latest trailing edge that can be scored from n samples.
func (d *syncDetector) lastEdgeSec(n int) float64 {
	return float64(n)/d.demod.SampleRate() - syncPorchMs/1000 - d.marginSec()
}

// firstEdgeSec is the earliest trailing edge that can be scored when the
// source starts at sample index first.
func (d *syncDetector) firstEdgeSec(first int) float64 {
	return float64(first)/d.demod.SampleRate() + d.syncMs/1000 + d.marginSec()
}

// score is the soft sync score at t.
func (d *syncDetector) score(t float64) (float64, error) {
	est, err := d.demod.EstimateFrequency(t, d.demod.MinWindowSec())
	if err != nil {
		return 0, err
	}
	if !est.Confident {
		return 0, nil
	}
	return clamp01(1 - math.Abs(est.Hz-(SyncHz+d.shiftHz))/syncBandHz), nil
}

// scan returns the strongest trailing edge in [fromSec, toSec]. found is
// false when nothing scores above threshold. ErrOutOfRange means the
// samples around the range are not all available.
func (d *syncDetector) scan(fromSec, toSec float64) (p syncPulse, found bool, err error) {
	if toSec < fromSec {
		return syncPulse{}, false, nil
	}
	step := syncStepMs / 1000
	syncSteps := int(math.Round(d.syncMs / syncStepMs))
	porchSteps := int(math.Round(syncPorchMs / syncStepMs))
	edges := int(math.Floor((toSec-fromSec)/step)) + 1
	total := syncSteps + edges + porchSteps

	t0 := fromSec - float64(syncSteps)*step
	if cap(d.scores) < total {
		d.scores = make([]float64, total)
		d.cum = make([]float64, total+1)
	}
	scores := d.scores[:total]
	cum := d.cum[:total+1]
	cum[0] = 0
	for k := range scores {
		s, err := d.score(t0 + float64(k)*step)
		if err != nil {
			return syncPulse{}, false, err
		}
		scores[k] = s
		cum[k+1] = cum[k] + s
	}

	mf := func(j int) float64 {
		left := (cum[j] - cum[j-syncSteps]) / float64(syncSteps)
		right := (cum[j+porchSteps] - cum[j]) / float64(porchSteps)
		return left - right
	}

	best, bestJ := math.Inf(-1), -1
	for j := syncSteps; j < syncSteps+edges; j++ {
		if m := mf(j); m > best {
			best, bestJ = m, j
		}
	}
	if bestJ < 0 || best < syncThreshold {
		return syncPulse{}, false, nil
	}

	edge := t0 + float64(bestJ)*step
	edge = d.crossing(scores, t0, step, bestJ, edge)
	return syncPulse{
		EdgeSec:  edge,
		StartSec: edge - d.syncMs/1000,
		Score:    clamp01(best),
	}, true, nil
}

// crossing looks near grid index j for the last falling 0.5 crossing of the
// score and interpolates it. It returns fallback when there is none.
func (d *syncDetector) crossing(scores []float64, t0, step float64, j int, fallback float64) float64 {
	reach := int(math.Round(syncRefineMs / syncStepMs))
	lo := j - reach
	if lo < 0 {
		lo = 0
	}
	hi := j + reach
	if hi > len(scores)-1 {
		hi = len(scores) - 1
	}
	for k := hi - 1; k >= lo; k-- {
		a, b := scores[k], scores[k+1]
		if a >= 0.5 && b < 0.5 {
			frac := (a - 0.5) / (a - b)
			return t0 + (float64(k)+frac)*step
		}
	}
	return fallback
}
