package congestion

import "github.com/go-norm/norm"

// Feedback is one receiver's congestion-control report, as carried in
// a CC_FEEDBACK extension or a CMD(CC) node slot.
type Feedback struct {
	Node         norm.NodeId
	RTT          float64
	LossFraction float64
	Rate         float64 // the receiver's own TFRC-computed fair rate
}

// SelectCLR picks the current-limiting receiver: the one whose fair
// rate is lowest among the feedback set, i.e. the receiver the sender
// must not exceed without starving it. Returns false if feedback is
// empty.
func SelectCLR(feedback []Feedback) (Feedback, bool) {
	if len(feedback) == 0 {
		return Feedback{}, false
	}
	best := feedback[0]
	for _, f := range feedback[1:] {
		if f.Rate < best.Rate {
			best = f
		}
	}
	return best, true
}

// SelectPLR picks the primary-limiting receiver: among feedback
// excluding the current CLR, the one with the next-lowest fair rate,
// used to validate that the CLR is still the legitimate bottleneck
// (promoted to CLR if it reports a persistently lower rate).
func SelectPLR(feedback []Feedback, clr norm.NodeId) (Feedback, bool) {
	var best Feedback
	found := false
	for _, f := range feedback {
		if f.Node == clr {
			continue
		}
		if !found || f.Rate < best.Rate {
			best = f
			found = true
		}
	}
	return best, found
}
