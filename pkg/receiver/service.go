package receiver

import (
	"time"

	"github.com/go-norm/norm/pkg/pdu"
)

// defaultGrtt is used for backoff/holdoff timing before this Receiver
// has heard a CMD(CC) probe establishing the sender's advertised grtt.
const defaultGrtt = 0.1

// Outbound is one PDU this Receiver wants transmitted this tick. The
// caller (pkg/session) packs it and hands the bytes to the transport,
// mirroring pkg/sender/service.go's Outbound.
type Outbound struct {
	Type pdu.Type
	Nack *pdu.Nack
}

// Service drives one tick of the receiver state machine: advances the
// active-repair backoff/holdoff timer and, when it fires without
// suppression, builds a NACK carrying the current CC feedback. Callers
// are expected to invoke Service on the same cooperative tick cadence
// pkg/sender.Service runs on, per spec.md §5.
func (r *Receiver) Service(now time.Time, segmentSize int) []Outbound {
	r.mu.Lock()
	grtt := r.grtt
	if grtt <= 0 {
		grtt = defaultGrtt
	}
	r.mu.Unlock()

	nack, ok := r.checkActiveRepair(now, grtt)
	if !ok {
		return nil
	}

	r.mu.Lock()
	rtt := grtt
	if r.ccFeedbackDue(now) {
		fb := r.buildCCFeedback(now, segmentSize, rtt)
		nack.Extensions = append(nack.Extensions, fb)
	}
	r.mu.Unlock()

	return []Outbound{{Type: pdu.TypeNack, Nack: &nack}}
}

// HandleAckRequest processes a CMD(ACK_REQ) naming this receiver and
// returns the ACK PDU to send in response, or false if this receiver
// wasn't named.
func (r *Receiver) HandleAckRequest(now time.Time, req pdu.CmdAckReq) (pdu.Ack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
	named := false
	for _, n := range req.Destination {
		if n == r.cfg.NodeId {
			named = true
			break
		}
	}
	if !named {
		return pdu.Ack{}, false
	}
	return pdu.Ack{Header: r.header(pdu.TypeAck), ServerId: r.senderId, Flavor: pdu.AckFlavor(req.AckId)}, true
}
