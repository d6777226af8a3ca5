// Package congestion implements NORM's TFRC-like congestion control
// primitives: a loss-event estimator fed by received-PDU sequence
// numbers, the TFRC steady-state rate equation, a GRTT EWMA estimator,
// and CLR/PLR (current-limiting/primary-limiting receiver) selection.
//
// These are pure computation, not a service loop: a session's ticker
// drives them the way pkg/sync.SYNC.Process and pkg/time.TIME's
// producer timer are driven by one recurring callback per spec.md
// §4.6's "fed with (time, sequence, ecn) per received PDU" framing.
package congestion

import (
	"math"

	"github.com/go-norm/norm"
)

// MaxOutage bounds the sequence-number gap spec.md §4.6 tolerates
// before treating an observation as a resync rather than a loss.
const MaxOutage = 100

// historyWeights are the canonical TFRC loss-history weights, most
// recent interval first.
var historyWeights = [8]float64{1, 1, 1, 1, 0.8, 0.6, 0.4, 0.2}

// LossEstimator is the canonical TFRC-discounted weighted-history loss
// estimator spec.md §4.6 describes. It is fed per received PDU with a
// monotonic time (caller's choice of units, seconds recommended to
// match the rate equation) and the PDU's 16-bit sequence number.
type LossEstimator struct {
	synced bool
	lastSeq uint16

	eventWindow float64 // suppression window, default one RTT

	eventOpen     bool
	eventOpenTime float64
	lastLossTime  float64

	// history holds up to 8 completed inter-event intervals, most
	// recent first.
	history []float64
}

// NewLossEstimator builds an estimator with the given event window (in
// the same time units Update's t is expressed in — seconds is the
// natural choice since the rate equation also works in seconds).
func NewLossEstimator(eventWindow float64) *LossEstimator {
	return &LossEstimator{eventWindow: eventWindow}
}

// SetEventWindow updates the suppression window, called whenever a
// fresh RTT estimate changes what "one RTT" means.
func (e *LossEstimator) SetEventWindow(w float64) { e.eventWindow = w }

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Update records one received PDU's (time, sequence, ecn) observation.
// It reports whether this observation opened a new loss event (for
// callers that want to react immediately, e.g. to trigger a CC
// feedback send). Out-of-order or duplicate sequence numbers (delta <=
// 0) are ignored; a gap larger than MaxOutage resyncs without being
// treated as a loss.
func (e *LossEstimator) Update(t float64, seq uint16, ecn bool) bool {
	if !e.synced {
		e.synced = true
		e.lastSeq = seq
		return false
	}
	d := norm.Delta16(seq, e.lastSeq)
	if absFloat(float64(d)) > MaxOutage {
		e.lastSeq = seq
		return false
	}
	if d <= 0 {
		return false
	}
	e.lastSeq = seq

	gap := d > 1
	if !gap && !ecn {
		return false
	}

	if e.eventOpen && t-e.lastLossTime < e.eventWindow {
		// Within the suppression window: still the same event.
		e.lastLossTime = t
		return false
	}

	if e.eventOpen {
		interval := t - e.eventOpenTime
		e.pushHistory(interval)
	}
	e.eventOpen = true
	e.eventOpenTime = t
	e.lastLossTime = t
	return true
}

func (e *LossEstimator) pushHistory(interval float64) {
	e.history = append([]float64{interval}, e.history...)
	if len(e.history) > 8 {
		e.history = e.history[:8]
	}
}

func weightedAverage(vals []float64) float64 {
	var sumW, sumWV float64
	for i, v := range vals {
		if i >= len(historyWeights) {
			break
		}
		w := historyWeights[i]
		sumW += w
		sumWV += w * v
	}
	if sumW == 0 {
		return 0
	}
	return sumWV / sumW
}

// LossFraction computes the current loss probability as
// 1/max(S0, S1), where S0 weighs the still-open current interval (as
// of now) alongside the 7 most recent completed intervals, and S1
// weighs the 8 most recent completed intervals alone. Once the open
// interval exceeds 2*S1, historical intervals are discounted by half
// before computing S0, so a long silence after a burst of loss doesn't
// keep reporting a stale high loss fraction forever.
func (e *LossEstimator) LossFraction(now float64) float64 {
	if !e.synced || !e.eventOpen {
		return 0
	}
	current := now - e.eventOpenTime
	s1 := weightedAverage(e.history)

	hist := e.history
	if s1 > 0 && current > 2*s1 {
		discounted := make([]float64, len(hist))
		for i, v := range hist {
			discounted[i] = v * 0.5
		}
		hist = discounted
	}

	s0vals := make([]float64, 0, 8)
	s0vals = append(s0vals, current)
	s0vals = append(s0vals, hist...)
	if len(s0vals) > 8 {
		s0vals = s0vals[:8]
	}
	s0 := weightedAverage(s0vals)

	s := math.Max(s0, s1)
	if s <= 0 {
		return 0
	}
	return 1 / s
}

// EWMALossEstimator is the optional, simpler alternative spec.md §4.6
// allows in place of the canonical weighted-history estimator: a plain
// exponential moving average of the per-observation 0/1 loss
// indication.
type EWMALossEstimator struct {
	alpha  float64
	avg    float64
	synced bool
}

// NewEWMALossEstimator builds an estimator with the given smoothing
// gain in (0, 1]; higher values track recent loss more aggressively.
func NewEWMALossEstimator(alpha float64) *EWMALossEstimator {
	return &EWMALossEstimator{alpha: alpha}
}

// Update folds in one observation (true = loss/ecn indicated).
func (e *EWMALossEstimator) Update(lossIndicated bool) {
	v := 0.0
	if lossIndicated {
		v = 1.0
	}
	if !e.synced {
		e.avg = v
		e.synced = true
		return
	}
	e.avg = e.alpha*v + (1-e.alpha)*e.avg
}

// LossFraction returns the current smoothed loss fraction.
func (e *EWMALossEstimator) LossFraction() float64 { return e.avg }
