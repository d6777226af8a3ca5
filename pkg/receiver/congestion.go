package receiver

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/congestion"
	"github.com/go-norm/norm/pkg/pdu"
)

// ccFeedback flag bits, mirroring the CC_FEEDBACK extension's Flags
// byte (spec.md §4.5): whether this receiver currently believes itself
// the CLR/PLR, whether its RTT estimate has been sender-confirmed, and
// whether it is still in slow start or leaving the session.
const (
	ccFlagCLR = 1 << iota
	ccFlagPLR
	ccFlagRTT
	ccFlagStart
	ccFlagLeave
)

// ccFeedbackState is a Receiver's congestion-control feedback
// bookkeeping: the rate it last reported, whether it has exited slow
// start, and a byte-rate tracker fed by every DATA segment received,
// grounded on pkg/congestion/clr.go's Feedback shape (the same
// (rtt,lossFraction,rate) tuple a sender collects, built here instead
// of consumed).
type ccFeedbackState struct {
	slowStart     bool
	ccSequence    uint8
	isCLR         bool
	isPLR         bool
	rttConfirmed  bool
	holdoffUntil  time.Time
	repeatCount   int

	recvBytes    uint64
	windowStart  time.Time
	recvRate     float64 // bytes/sec, EWMA
}

func newCCFeedbackState() ccFeedbackState {
	return ccFeedbackState{slowStart: true}
}

// noteDataReceived feeds the byte-rate tracker one DATA segment's
// worth of payload, maintaining an EWMA of bytes/sec the way
// pkg/congestion/grtt.go's GrttEstimator EWMAs RTT samples.
func (c *ccFeedbackState) noteDataReceived(now time.Time, n int) {
	if c.windowStart.IsZero() {
		c.windowStart = now
		c.recvBytes = uint64(n)
		return
	}
	c.recvBytes += uint64(n)
	elapsed := now.Sub(c.windowStart).Seconds()
	if elapsed < 0.2 {
		return
	}
	sample := float64(c.recvBytes) / elapsed
	if c.recvRate == 0 {
		c.recvRate = sample
	} else {
		c.recvRate = 0.2*sample + 0.8*c.recvRate
	}
	c.windowStart = now
	c.recvBytes = 0
}

// toSeconds converts a time.Time into the raw float64-seconds
// timestamp pkg/congestion's estimators operate on.
func toSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// reportedRate computes the rate this receiver reports in its next CC
// feedback: in slow start, double the measured receive rate (spec.md
// §4.5); once loss has been observed, the TFRC steady-state equation
// driven by the loss estimator's current loss-event probability.
func (r *Receiver) reportedRate(now time.Time, segmentSize int, rtt float64) float64 {
	if r.cc.slowStart {
		return 2 * r.cc.recvRate
	}
	p := r.loss.LossFraction(toSeconds(now))
	return congestion.TFRCRate(float64(segmentSize), rtt, p, 0)
}

// buildCCFeedback constructs the CC_FEEDBACK extension attached to
// every NACK and flush-ACK this Receiver sends (spec.md §4.5).
func (r *Receiver) buildCCFeedback(now time.Time, segmentSize int, rtt float64) pdu.CCFeedback {
	flags := uint8(0)
	if r.cc.isCLR {
		flags |= ccFlagCLR
	}
	if r.cc.isPLR {
		flags |= ccFlagPLR
	}
	if r.cc.rttConfirmed {
		flags |= ccFlagRTT
	}
	if r.cc.slowStart {
		flags |= ccFlagStart
	}
	rate := r.reportedRate(now, segmentSize, rtt)
	return pdu.CCFeedback{
		CCSequence:   r.cc.ccSequence,
		Flags:        flags,
		RTT:          pdu.QuantizeRTT(rtt),
		LossFraction: pdu.QuantizeLossFraction16(r.loss.LossFraction(toSeconds(now))),
		Rate:         pdu.QuantizeRate(rate),
	}
}

// HandleCC processes a CMD(CC) probe: advances the local CC sequence,
// applies rate/grtt hints, and marks rtt_confirmed if this receiver's
// node id appears in the probe's node list with the RTT flag set
// (spec.md §4.5: "When a CC command echoes back this receiver in its
// node list with the RTT flag, the receiver marks rtt_confirmed").
func (r *Receiver) HandleCC(now time.Time, cc pdu.CmdCC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
	r.cc.ccSequence = cc.CCSequence
	r.grtt = pdu.UnquantizeRTT(cc.GrttQ)

	for _, node := range cc.Nodes {
		if node.NodeId != r.cfg.NodeId {
			continue
		}
		if node.CCFeedback.Flags&ccFlagRTT != 0 {
			r.cc.rttConfirmed = true
		}
		if node.CCFeedback.Flags&ccFlagStart == 0 {
			r.cc.slowStart = false
		}
	}
}

// observePeerCCFeedback implements spec.md §4.5's CC feedback
// suppression: overhearing a non-CLR peer report a lower-or-equal rate
// resets this receiver's own CC timer into a holdoff, decrementing its
// repeat count so no local CC feedback is emitted this round.
func (r *Receiver) observePeerCCFeedback(now time.Time, grtt float64, peerIsCLR bool, peerRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peerIsCLR {
		return
	}
	if peerRate > r.cc.recvRate {
		return
	}
	r.cc.holdoffUntil = now.Add(time.Duration(grtt * float64(time.Second)))
	if r.cc.repeatCount > 0 {
		r.cc.repeatCount--
	}
}

// ObservePeerNack lets the session feed this Receiver another
// receiver's NACK overheard for the same remote sender (multicast NACK
// addressing per spec.md §6), applying both active-repair suppression
// and CC-feedback suppression in one call. peerSourceId is the
// overheard NACK's originating node, used only so a session that loops
// its own NACKs back through this path doesn't self-suppress.
func (r *Receiver) ObservePeerNack(now time.Time, peerSourceId norm.NodeId, nack pdu.Nack) {
	if peerSourceId == r.cfg.NodeId {
		return
	}
	r.noteObservedRepair()

	for _, ext := range nack.Extensions {
		fb, ok := ext.(pdu.CCFeedback)
		if !ok {
			continue
		}
		r.mu.Lock()
		grtt := r.grtt
		if grtt <= 0 {
			grtt = defaultGrtt
		}
		r.mu.Unlock()
		peerIsCLR := fb.Flags&ccFlagCLR != 0
		peerRate := pdu.UnquantizeRate(fb.Rate)
		r.observePeerCCFeedback(now, grtt, peerIsCLR, peerRate)
	}
}

// ccFeedbackDue reports whether this Receiver's suppression holdoff
// (if any) has elapsed, i.e. whether it's clear to attach CC_FEEDBACK
// to its next outgoing NACK/ACK.
func (r *Receiver) ccFeedbackDue(now time.Time) bool {
	return r.cc.holdoffUntil.IsZero() || !now.Before(r.cc.holdoffUntil)
}
