package sender

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/pdu"
)

// flushState tracks the idle-flush rate limiting: when there is
// nothing else to transmit, flush is re-emitted at most once per
// 2*grtt_advertised, addressed at the most recent object and the most
// recently sent block/segment. count restarts after every
// robust_factor flushes, so idle flushing continues while idle.
type flushState struct {
	count     int
	lastSend  time.Time
	interval  time.Duration
}

func (f *flushState) due(now time.Time) bool {
	return f.lastSend.IsZero() || now.Sub(f.lastSend) >= f.interval
}

// watermarkState collects positive ACKs for a single outstanding
// (objectId, blockId, segmentId) triple, per spec.md §4.4.
type watermarkState struct {
	active   bool
	objectId norm.ObjectId
	fec      pdu.FECPayloadID
	nodes    map[norm.NodeId]int // remaining robust-factor attempts per node
	failed   []norm.NodeId
}

// SetWatermark begins positive-ACK collection for (objectId, blockId,
// segmentId) from the given acking nodes, each given robustFactor
// attempts before being declared failed.
func (s *Sender) SetWatermark(objectId norm.ObjectId, blockId norm.BlockId, segmentId norm.SegmentId, nodes []norm.NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &s.watermark
	w.active = true
	w.objectId = objectId
	w.fec = pdu.FECPayloadID{BlockId: blockId, SegmentId: segmentId}
	w.nodes = make(map[norm.NodeId]int, len(nodes))
	for _, n := range nodes {
		w.nodes[n] = s.cfg.RobustFactor
	}
	w.failed = nil
}

// HandleAck processes an ACK(FLUSH) PDU: while a watermark is active,
// an ACK(FLUSH) from a listed node marks that node complete. The ACK
// carries no object/block/segment triple, so it is not matched against
// the watermark's. Returns true once every node has either acked or
// exhausted its robust-factor attempts, having then already emitted
// EventTxWatermarkCompleted (failedNodes lists the nodes that ran out
// of attempts).
func (s *Sender) HandleAck(from norm.NodeId, ack pdu.Ack) (completed bool, failedNodes []norm.NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &s.watermark
	if !w.active || ack.Flavor != pdu.AckFlush {
		return false, nil
	}
	if _, ok := w.nodes[from]; ok {
		delete(w.nodes, from)
	}
	return s.checkWatermarkDone()
}

// onFlushSent decrements the remaining-attempt counter for every
// listed acking node still outstanding, called each time a
// CMD(FLUSH) naming the watermark triple is sent, per spec.md §4.4:
// "Each CMD(FLUSH) with a non-empty acking-node list decrements the
// counter on listed-and-still-pending nodes."
func (s *Sender) onFlushSent() (completed bool, failedNodes []norm.NodeId) {
	w := &s.watermark
	if !w.active {
		return false, nil
	}
	for node, remaining := range w.nodes {
		remaining--
		if remaining <= 0 {
			delete(w.nodes, node)
			w.failed = append(w.failed, node)
		} else {
			w.nodes[node] = remaining
		}
	}
	return s.checkWatermarkDone()
}

func (s *Sender) checkWatermarkDone() (completed bool, failedNodes []norm.NodeId) {
	w := &s.watermark
	if len(w.nodes) > 0 {
		return false, nil
	}
	w.active = false
	s.stats.IncCompletion()
	if len(w.failed) > 0 {
		s.stats.IncFailure()
	}
	s.emit(norm.Event{Type: norm.EventTxWatermarkCompleted, Object: w.objectId})
	return true, w.failed
}

// watermarkOutstandingNodes returns the acking nodes still outstanding
// while a watermark collection is underway (nil otherwise), for the
// CMD(ACK_REQ) that accompanies the next idle CMD(FLUSH).
func (s *Sender) watermarkOutstandingNodes() []norm.NodeId {
	w := &s.watermark
	if !w.active {
		return nil
	}
	nodes := make([]norm.NodeId, 0, len(w.nodes))
	for n := range w.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}
