package receiver

import (
	"math"
	"math/rand"
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/pdu"
)

// repairState implements spec.md §4.5's active repair check: a backoff
// window that lets other receivers' traffic preempt this one's NACK
// (suppression), followed by a holdoff that rate-limits how soon a
// fresh backoff can start for the same deficit. Grounded on
// pkg/sender/nack.go's two-phase aggregation timer — the sender-side
// mirror of this same backoff/holdoff shape, generalized here from
// "accumulate then activate" to "wait then suppress-or-send".
type repairState struct {
	active     bool
	phase      int // 1 = backoff, 2 = holdoff
	deadline   time.Time
	suppressed bool
}

// maxGroupSize bounds the group-size estimate fed into the backoff
// distribution; a receiver has no exact membership count, only the
// configured GroupSize hint.
const maxGroupSize = 1 << 20

// exponentialRand draws a randomized backoff duration whose
// distribution skews toward scale as groupSize grows, widening the
// spread of first-responder times across a large group so NACK
// suppression has room to work (spec.md §4.5's ExponentialRand(grtt
// *backoff_factor, gsize)).
func exponentialRand(scale float64, groupSize int) time.Duration {
	if groupSize < 1 {
		groupSize = 1
	}
	if groupSize > maxGroupSize {
		groupSize = maxGroupSize
	}
	u := rand.Float64()
	if u <= 0 {
		u = 1e-9
	}
	t := scale * math.Pow(u, 1.0/float64(groupSize))
	return time.Duration(t * float64(time.Second))
}

// wantsRepair reports whether rx has an outstanding deficit: missing
// INFO, or any block still marked pending.
func (rx *rxObject) wantsRepair() bool {
	if rx.completed {
		return false
	}
	if rx.obj == nil {
		return !rx.infoSeen && len(rx.deferredData) > 0
	}
	return !rx.infoSeen || !rx.obj.Pending.IsEmpty()
}

// hasDeficit reports whether any held object currently wants repair.
func (r *Receiver) hasDeficit() bool {
	for _, id := range r.objectOrder {
		if rx := r.objects[id]; rx != nil && rx.wantsRepair() {
			return true
		}
	}
	return false
}

// checkActiveRepair drives the backoff/holdoff state machine, returning
// a NACK to send when the backoff window expires without suppression.
// Per spec.md §4.5, a repair check is triggered at block or object
// boundaries (per cfg.RepairBoundary); here the session's tick cadence
// stands in for that trigger, since this module has no event to
// distinguish "a block just completed" from "a tick just fired" —
// hasDeficit() is cheap enough to poll every tick instead.
func (r *Receiver) checkActiveRepair(now time.Time, grtt float64) (pdu.Nack, bool) {
	if !r.repair.active {
		if !r.hasDeficit() {
			return pdu.Nack{}, false
		}
		r.repair.active = true
		r.repair.phase = 1
		r.repair.suppressed = false
		backoff := exponentialRand(grtt*r.cfg.BackoffFactor, r.cfg.GroupSize)
		r.repair.deadline = now.Add(backoff)
		return pdu.Nack{}, false
	}

	if now.Before(r.repair.deadline) {
		return pdu.Nack{}, false
	}

	switch r.repair.phase {
	case 1:
		r.repair.phase = 2
		r.repair.deadline = now.Add(time.Duration(grtt * (r.cfg.BackoffFactor + 2) * float64(time.Second)))
		if r.repair.suppressed || r.cfg.SilentReceiver {
			r.repair.suppressed = false
			return pdu.Nack{}, false
		}
		nack, ok := r.buildNack()
		if ok {
			r.stats.IncNack()
		}
		return nack, ok
	default: // 2: holdoff elapsed
		r.repair.active = false
		r.repair.phase = 0
		return pdu.Nack{}, false
	}
}

// noteObservedRepair lets the session suppress this receiver's own
// NACK when it overhears another receiver's NACK or the sender's
// REPAIR_ADV naming the same deficit during the backoff phase.
func (r *Receiver) noteObservedRepair() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repair.active && r.repair.phase == 1 {
		r.repair.suppressed = true
	}
}

// maxRepairItems bounds a single NACK's item count so one tick's
// repair demand can't grow a PDU without limit.
const maxRepairItems = 64

// buildNack walks the held-object table in admission order, requesting
// missing INFO, whole missing blocks, and segment ranges within
// partially-received blocks, per spec.md §4.5's NACK construction.
// Each kind of deficit becomes its own RepairRequest segment, since a
// request's Form/Flags apply to every one of its Items uniformly (see
// pkg/sender/nack.go's stageRepairRequest, the sender-side consumer of
// this same wire shape) — mixing an object-level and a segment-level
// item under one set of flags would misclassify one of them.
func (r *Receiver) buildNack() (pdu.Nack, bool) {
	var infoItems, blockItems, segItems []pdu.RepairItem
	budget := maxRepairItems

	for _, id := range r.objectOrder {
		if budget <= 0 {
			break
		}
		rx := r.objects[id]
		if rx == nil || !rx.wantsRepair() {
			continue
		}
		if !rx.infoSeen {
			infoItems = append(infoItems, pdu.RepairItem{ObjectId: id})
			budget--
			if rx.obj == nil {
				continue
			}
		}
		obj := rx.obj
		blockIdx, ok := obj.Pending.FirstSet()
		for ok && budget > 0 {
			blockId := norm.BlockId(blockIdx)
			blk, held := obj.Blocks[blockId]
			if !held {
				blockItems = append(blockItems, pdu.RepairItem{ObjectId: id, BlockId: blockId})
				budget--
			} else {
				ranges := segmentRanges(id, blockId, blk.Pending, budget)
				segItems = append(segItems, ranges...)
				budget -= len(ranges)
			}
			blockIdx, ok = obj.Pending.NextSet(blockIdx + 1)
		}
	}

	var content []byte
	for _, group := range []struct {
		flags pdu.RepairFlags
		form  pdu.RepairForm
		items []pdu.RepairItem
	}{
		{pdu.RepairFlagInfo, pdu.RepairItems, infoItems},
		{pdu.RepairFlagBlock, pdu.RepairItems, blockItems},
		{pdu.RepairFlagSegment, pdu.RepairRanges, segItems},
	} {
		if len(group.items) == 0 {
			continue
		}
		req := pdu.RepairRequest{Form: group.form, Flags: group.flags, Items: group.items}
		buf := make([]byte, req.Len())
		if _, err := req.Pack(buf); err != nil {
			continue
		}
		content = append(content, buf...)
	}

	if len(content) == 0 {
		return pdu.Nack{}, false
	}
	return pdu.Nack{
		Header:     r.header(pdu.TypeNack),
		ServerId:   r.senderId,
		InstanceId: r.instanceId,
		Content:    content,
	}, true
}

// segmentRanges collapses a block's set-bit Pending positions into
// inclusive [start,end] ranges, capped at limit items.
func segmentRanges(objId norm.ObjectId, blockId norm.BlockId, pending *norm.SlidingMask, limit int) []pdu.RepairItem {
	var out []pdu.RepairItem
	idx, ok := pending.FirstSet()
	for ok && len(out) < limit {
		start := idx
		end := idx
		next, hasNext := pending.NextSet(idx + 1)
		for hasNext && next == end+1 {
			end = next
			next, hasNext = pending.NextSet(next + 1)
		}
		out = append(out, pdu.RepairItem{
			ObjectId:   objId,
			BlockId:    blockId,
			SegmentId:  norm.SegmentId(start),
			SegmentEnd: norm.SegmentId(end),
		})
		idx, ok = next, hasNext
	}
	return out
}
