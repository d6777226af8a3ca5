package sender

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/pdu"
)

// stagedBlock accumulates one block's repair demand across the NACKs
// received during an aggregation window, before it is atomically
// activated (spec.md §4.4: "further NACKs accumulate repair state but
// are not immediately acted on. On expiry, all accumulated state is
// activated atomically").
type stagedBlock struct {
	whole      bool
	segments   map[norm.SegmentId]bool
	eraseCount uint16
}

type stagedObject struct {
	whole     bool
	infoOnly  bool
	blocks    map[norm.BlockId]*stagedBlock
}

func (o *stagedObject) blockFor(id norm.BlockId) *stagedBlock {
	if o.blocks == nil {
		o.blocks = make(map[norm.BlockId]*stagedBlock)
	}
	b, ok := o.blocks[id]
	if !ok {
		b = &stagedBlock{segments: make(map[norm.SegmentId]bool)}
		o.blocks[id] = b
	}
	return b
}

// nackAggregator implements spec.md §4.4's two-phase NACK aggregation
// timer: phase 1 ("backoff") accumulates repair demand from every
// NACK received in the window opened by the first one; phase 2
// ("holdoff") follows immediately after activation and simply
// suppresses starting a new aggregation window until it elapses.
type nackAggregator struct {
	active  bool
	phase   int // 1 = aggregating, 2 = holdoff
	deadline time.Time
	staged  map[norm.ObjectId]*stagedObject

	squelch       map[norm.ObjectId]bool
	squelchPending bool
}

func newNackAggregator() nackAggregator {
	return nackAggregator{staged: make(map[norm.ObjectId]*stagedObject), squelch: make(map[norm.ObjectId]bool)}
}

func (n *nackAggregator) stagedFor(id norm.ObjectId) *stagedObject {
	o, ok := n.staged[id]
	if !ok {
		o = &stagedObject{}
		n.staged[id] = o
	}
	return o
}

// HandleNack ingests one NACK PDU's repair-request content, staging
// its demand for atomic activation once the aggregation window
// expires (see Service, which calls serviceNackTimer). Objects the NACK names
// that are older than the oldest object still held trigger a SQUELCH
// instead, per spec.md §4.4 and §7.
func (s *Sender) HandleNack(from norm.NodeId, nack pdu.Nack, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := pdu.NewRepairRequestIterator(nack.Content, len(nack.Content))
	for {
		req, ok := it.Next()
		if !ok {
			break
		}
		s.stageRepairRequest(req)
	}
	if err := it.Err(); err != nil {
		s.stats.IncMalformed()
		return err
	}
	s.stats.IncNack()

	for _, ext := range nack.Extensions {
		if fb, ok := ext.(pdu.CCFeedback); ok {
			s.applyCCFeedback(from, fb, now)
		}
	}

	if !s.nack.active {
		s.nack.active = true
		s.nack.phase = 1
		grtt := s.grtt.Estimate()
		s.nack.deadline = now.Add(time.Duration(grtt * (s.cfg.BackoffFactor + 1) * float64(time.Second)))
	}
	return nil
}

// stageRepairRequest classifies one repair request's items per their
// form and flags and folds them into the aggregation window, per
// spec.md §4.3/§4.4: every RepairItem is self-contained (pkg/pdu packs
// ObjectId/BlockId/SegmentId/SegmentEnd/EraseCount in every entry
// regardless of form), so only RepairFlagSegment items carry a usable
// inclusive range (SegmentId..SegmentEnd); object- and block-level
// items name a single id each.
func (s *Sender) stageRepairRequest(req pdu.RepairRequest) {
	for _, it := range req.Items {
		s.stageItem(req.Flags, req.Form, it)
	}
}

// maxRangeSpan bounds range expansion against a malformed PDU naming a
// pathological (e.g. wrapped) range.
const maxRangeSpan = 1 << 16

func (s *Sender) stageItem(flags pdu.RepairFlags, form pdu.RepairForm, it pdu.RepairItem) {
	switch {
	case flags&pdu.RepairFlagObject != 0:
		id := it.ObjectId
		if _, ok := s.objects[id]; ok {
			so := s.nack.stagedFor(id)
			so.whole = true
			if flags&pdu.RepairFlagInfo != 0 {
				so.infoOnly = true
			}
		} else if oldest, has := s.oldestHeldObjectId(); has && id.Less(oldest) {
			s.nack.squelch[id] = true
			s.nack.squelchPending = true
		}

	case flags&pdu.RepairFlagInfo != 0 && flags&(pdu.RepairFlagBlock|pdu.RepairFlagSegment) == 0:
		s.nack.stagedFor(it.ObjectId).infoOnly = true

	case flags&pdu.RepairFlagBlock != 0 && flags&pdu.RepairFlagSegment == 0:
		s.nack.stagedFor(it.ObjectId).blockFor(it.BlockId).whole = true

	case flags&pdu.RepairFlagSegment != 0:
		sb := s.nack.stagedFor(it.ObjectId).blockFor(it.BlockId)
		if form == pdu.RepairErasures {
			if it.EraseCount > sb.eraseCount {
				sb.eraseCount = it.EraseCount
			}
			return
		}
		seg, end := it.SegmentId, it.SegmentId
		if form == pdu.RepairRanges {
			end = it.SegmentEnd
		}
		for i := 0; i <= maxRangeSpan; i++ {
			sb.segments[seg] = true
			if seg == end {
				break
			}
			seg++
		}
	}
}

// serviceNackTimer acts on the aggregation/holdoff timer once its
// deadline has passed at now: at the end of aggregation it activates
// the staged repairs and starts holdoff; at the end of holdoff it
// goes idle.
func (s *Sender) serviceNackTimer(now time.Time) {
	n := &s.nack
	if !n.active || now.Before(n.deadline) {
		return
	}
	switch n.phase {
	case 1:
		s.activateNackAggregation()
		grtt := s.grtt.Estimate()
		n.phase = 2
		n.deadline = now.Add(time.Duration(grtt * float64(time.Second)))
	case 2:
		n.active = false
		n.phase = 0
		n.staged = make(map[norm.ObjectId]*stagedObject)
	}
}

// activateNackAggregation applies every staged object's accumulated
// repair demand atomically, per spec.md §4.4.
func (s *Sender) activateNackAggregation() {
	for id, so := range s.nack.staged {
		tx, ok := s.objects[id]
		if !ok {
			continue
		}
		if so.whole {
			tx.obj.Pending.SetRange(0, tx.obj.Pending.Capacity())
			tx.obj.Repair.SetRange(0, tx.obj.Repair.Capacity())
			tx.pendingInfo = tx.pendingInfo || so.infoOnly
			tx.repairPending = true
			s.txPending.Set(uint32(id))
			continue
		}
		if so.infoOnly {
			tx.pendingInfo = true
		}
		for blockId, sb := range so.blocks {
			s.markBlockRepair(tx, blockId, sb)
		}
		if len(so.blocks) > 0 || so.infoOnly {
			s.txPending.Set(uint32(id))
		}
	}
	s.nack.staged = make(map[norm.ObjectId]*stagedObject)
}

// markBlockRepair re-marks a block's owed segments pending, rebuilding
// the block from storage if it had been released from memory.
func (s *Sender) markBlockRepair(tx *txObject, blockId norm.BlockId, sb *stagedBlock) {
	blk, err := s.getBlock(tx, blockId)
	if err != nil {
		s.stats.IncFailure()
		return
	}
	ndata := int(tx.obj.BlockSize(blockId))
	switch {
	case sb.whole:
		blk.Pending.SetRange(0, uint32(ndata))
	case sb.eraseCount > 0:
		marked := 0
		for k := 0; k < int(tx.obj.NumParity) && marked < int(sb.eraseCount); k++ {
			pos := uint32(ndata + k)
			if !blk.Pending.Test(pos) {
				blk.Pending.Set(pos)
			}
			marked++
		}
	default:
		for seg := range sb.segments {
			blk.Pending.Set(uint32(seg))
		}
	}
	tx.obj.Pending.Set(uint32(blockId))
	tx.obj.Repair.Set(uint32(blockId))
	tx.repairPending = true
}

// buildSquelch constructs a CMD(SQUELCH) body for every object
// currently staged as invalid, clearing the backlog.
func (s *Sender) buildSquelch() (pdu.CmdSquelch, bool) {
	if !s.nack.squelchPending {
		return pdu.CmdSquelch{}, false
	}
	sq := pdu.CmdSquelch{
		SenderCurrentObjectId: s.lastObject,
		FECPayload:            s.lastSentFEC,
	}
	for id := range s.nack.squelch {
		sq.Invalidated = append(sq.Invalidated, id)
		delete(s.nack.squelch, id)
	}
	s.nack.squelchPending = false
	s.stats.IncSquelch()
	return sq, true
}
