package sender

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/congestion"
	"github.com/go-norm/norm/pkg/pdu"
)

// ccState holds the sender's equation-based congestion control
// bookkeeping: the feedback set collected since the last CMD(CC)
// probe, the elected current-limiting receiver, and the transmit rate
// derived from it, per spec.md §4.6.
type ccState struct {
	sequence uint8
	feedback map[norm.NodeId]congestion.Feedback

	clr          norm.NodeId
	haveCLR      bool
	rate         float64 // bytes/second
	lastFeedback time.Time
}

func newCCState() ccState {
	return ccState{feedback: make(map[norm.NodeId]congestion.Feedback)}
}

// grttProbeState schedules the periodic CMD(CC) GRTT probe, backing
// off geometrically while unanswered, per spec.md §4.4/§4.6.
type grttProbeState struct {
	lastSent time.Time
	interval float64 // seconds
	min, max float64
	awaiting bool
}

func (g *grttProbeState) due(now time.Time) bool {
	return g.lastSent.IsZero() || now.Sub(g.lastSent) >= time.Duration(g.interval*float64(time.Second))
}

func (g *grttProbeState) onSent(now time.Time) {
	g.lastSent = now
	g.awaiting = true
	g.interval = congestion.NextGrttInterval(g.interval, g.min, g.max)
}

func (g *grttProbeState) onResponse() {
	g.awaiting = false
	g.interval = g.min
}

// HandleCCFeedback folds a receiver's CC_FEEDBACK extension (riding on
// a NACK) into the sender's congestion state: updates the GRTT
// estimator with the round-trip sample, records the receiver's
// reported rate/loss, and re-elects the CLR/PLR.
func (s *Sender) HandleCCFeedback(from norm.NodeId, fb pdu.CCFeedback, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCCFeedback(from, fb, now)
}

// applyCCFeedback is HandleCCFeedback's body, callable by a caller
// that already holds s.mu (HandleNack, when a NACK carries a
// CC_FEEDBACK extension).
func (s *Sender) applyCCFeedback(from norm.NodeId, fb pdu.CCFeedback, now time.Time) {
	rtt := pdu.UnquantizeRTT(fb.RTT)
	if rtt > 0 {
		before := s.grtt.Estimate()
		s.grtt.Update(rtt)
		s.grttProbe.onResponse()
		if s.grtt.Estimate() != before {
			s.emit(norm.Event{Type: norm.EventGrttUpdated, Node: from})
		}
	}
	loss := pdu.UnquantizeLossFraction16(fb.LossFraction)
	rate := pdu.UnquantizeRate(fb.Rate)

	s.cc.feedback[from] = congestion.Feedback{Node: from, RTT: rtt, LossFraction: loss, Rate: rate}
	s.cc.lastFeedback = now
	s.electCLR()
}

// electCLR re-derives the current-limiting receiver from the
// accumulated feedback set and recomputes the transmit rate against
// it, clamped to [TxRateMin, TxRateMax]. Emits EventCCActive the first
// time any feedback arrives, per spec.md §6.
func (s *Sender) electCLR() {
	if len(s.cc.feedback) == 0 {
		return
	}
	all := make([]congestion.Feedback, 0, len(s.cc.feedback))
	for _, f := range s.cc.feedback {
		all = append(all, f)
	}
	clr, ok := congestion.SelectCLR(all)
	if !ok {
		return
	}
	s.cc.clr = clr.Node
	wasActive := s.cc.haveCLR
	s.cc.haveCLR = true
	if !wasActive {
		s.emit(norm.Event{Type: norm.EventCCActive, Node: clr.Node})
	}

	if !s.cfg.CCEnable {
		return
	}
	rate := congestion.QuantizedRate(float64(s.cfg.SegmentSize), clr.RTT, clr.LossFraction, 0, s.cfg.TxRateMin, s.cfg.TxRateMax)
	s.cc.rate = rate
}

// checkCCTimeout drops the CC feedback set and emits EventCCInactive
// once no CC_FEEDBACK has arrived for 2*robust_factor GRTTs, the same
// robust_factor-scaled staleness window pkg/config.ActivityInterval
// applies to a receiver's remote-sender activity timeout (here without
// its 1s floor), applied here to the sender's own feedback freshness.
func (s *Sender) checkCCTimeout(now time.Time) {
	if !s.cc.haveCLR || s.cc.lastFeedback.IsZero() {
		return
	}
	grtt := s.grtt.Estimate()
	timeout := time.Duration(2 * float64(s.cfg.RobustFactor) * grtt * float64(time.Second))
	if now.Sub(s.cc.lastFeedback) < timeout {
		return
	}
	s.cc.haveCLR = false
	s.cc.rate = 0
	s.cc.feedback = make(map[norm.NodeId]congestion.Feedback)
	s.emit(norm.Event{Type: norm.EventCCInactive})
}

// TxRate returns the sender's current transmit rate in bytes/second:
// the TFRC-derived rate if congestion control is active and a CLR has
// been elected, otherwise the configured fixed rate.
func (s *Sender) TxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.CCEnable && s.cc.haveCLR && s.cc.rate > 0 {
		return s.cc.rate
	}
	return s.cfg.TxRate
}

// buildCCProbe constructs a CMD(CC) probe if one is due, advancing the
// backoff schedule. The probe echoes every receiver's last-reported
// feedback back to the group, the way CLR election is validated by
// the rest of the group.
func (s *Sender) buildCCProbe(now time.Time) (pdu.CmdCC, bool) {
	if !s.cfg.CCEnable || !s.grttProbe.due(now) {
		return pdu.CmdCC{}, false
	}
	s.cc.sequence++
	probe := pdu.CmdCC{
		CCSequence: s.cc.sequence,
		GrttQ:      pdu.QuantizeRTT(s.grtt.Estimate()),
		GroupSizeQ: pdu.QuantizeGroupSize(len(s.cc.feedback)),
		RateQ:      pdu.QuantizeRate(s.TxRate()),
	}
	for node, fb := range s.cc.feedback {
		probe.Nodes = append(probe.Nodes, pdu.CmdCCNode{
			NodeId: node,
			CCFeedback: pdu.CCFeedback{
				CCSequence:   s.cc.sequence,
				RTT:          pdu.QuantizeRTT(fb.RTT),
				LossFraction: pdu.QuantizeLossFraction16(fb.LossFraction),
				Rate:         pdu.QuantizeRate(fb.Rate),
			},
		})
	}
	s.grttProbe.onSent(now)
	return probe, true
}
