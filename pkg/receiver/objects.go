package receiver

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/internal/gf256"
	"github.com/go-norm/norm/pkg/object"
	"github.com/go-norm/norm/pkg/pdu"
)

// HandleInfo processes an INFO PDU: establishes sync if not yet synced,
// admits the object if needed, sizes it from the FTI extension (the
// only place this module carries FEC Transport Information), stores
// the application-defined info content, and replays any DATA PDUs that
// arrived before this INFO and were deferred for lack of sizing.
func (r *Receiver) HandleInfo(now time.Time, info pdu.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
	r.stats.IncRxPDU()

	r.acquireSync(info.ObjectId, true)

	rx, err := r.admitObject(info.ObjectId)
	if err != nil {
		return err
	}
	if rx.infoSeen {
		return nil
	}

	var fti pdu.FTI
	haveFTI := false
	for _, ext := range info.Extensions {
		if f, ok := ext.(pdu.FTI); ok {
			fti = f
			haveFTI = true
			break
		}
	}
	if !haveFTI {
		// No sizing available yet; keep the info content pending a
		// future INFO retransmission that does carry FTI.
		return nil
	}

	if rx.obj == nil {
		rx.obj = newRxObject(info.ObjectId, fti, r.cfg.DefaultNacking)
	}
	rx.obj.Info = append([]byte(nil), info.Content...)
	rx.infoSeen = true
	r.emit(norm.Event{Type: norm.EventRxObjectInfo, Node: r.senderId, Object: info.ObjectId})

	for _, d := range rx.deferredData {
		r.storeData(rx, d)
	}
	rx.deferredData = nil
	return nil
}

// newRxObject builds the object.Object a receiver reassembles into,
// sized from the sender's FTI extension (spec.md §4.3).
func newRxObject(id norm.ObjectId, fti pdu.FTI, nack object.NackingMode) *object.Object {
	segSize := fti.SegmentSize
	size := fti.ObjectSize.ToUint64()
	segments := uint32((size + uint64(segSize) - 1) / uint64(segSize))
	if segments == 0 {
		segments = 1
	}
	blocks := (segments + uint32(fti.NumData) - 1) / uint32(fti.NumData)
	if blocks == 0 {
		blocks = 1
	}
	obj := object.New(id, object.KindBulk, fti.ObjectSize, segSize, fti.NumData, fti.NumParity, segments, blocks)
	obj.Nack = nack
	buf := make([]byte, size)
	r, w := object.NewInMemoryReaderWriter(buf)
	obj.SetReaderWriter(r, w)
	return obj
}

// HandleData processes a DATA PDU: establishes sync if eligible (block
// 0 of a new object), admits the object, and stores the segment. If
// the owning object hasn't seen its INFO/FTI yet, the PDU is deferred.
func (r *Receiver) HandleData(now time.Time, data pdu.Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(now)
	r.stats.IncRxPDU()
	r.loss.Update(toSeconds(now), data.Header.Sequence, false)
	r.cc.noteDataReceived(now, len(data.Payload))

	syncEligible := data.FECPayload.BlockId == 0
	r.acquireSync(data.ObjectId, syncEligible)

	rx, err := r.admitObject(data.ObjectId)
	if err != nil {
		return err
	}
	if rx.obj == nil {
		if len(rx.deferredData) >= maxDeferredData {
			rx.deferredData = rx.deferredData[1:]
			r.stats.IncBufferExhaust()
		}
		rx.deferredData = append(rx.deferredData, data)
		return nil
	}
	r.storeData(rx, data)
	return nil
}

// storeData stores one DATA PDU's segment into rx's block table,
// attempting FEC decode once enough of the block has arrived, per
// spec.md §4.5's object-handling algorithm.
func (r *Receiver) storeData(rx *rxObject, data pdu.Data) {
	obj := rx.obj
	blockId := data.FECPayload.BlockId
	segId := data.FECPayload.SegmentId
	ndata := int(obj.BlockSize(blockId))
	nparity := int(obj.NumParity)

	blk, ok := obj.Blocks[blockId]
	if !ok {
		blk = r.allocateBlock(obj, blockId, ndata, nparity)
		if blk == nil {
			r.stats.IncBufferExhaust()
			return
		}
		obj.Blocks[blockId] = blk
	}

	idx := int(segId)
	if idx >= len(blk.Segments) {
		r.stats.IncMalformed()
		return
	}
	if blk.Segments[idx] != nil {
		// duplicate
		return
	}

	payload := append([]byte(nil), data.Payload...)
	blk.Segments[idx] = payload
	blk.EraseCount--

	isParity := data.Flags&pdu.DataFlagParity != 0
	if !isParity {
		offset := obj.SegmentOffset(blockId, segId)
		obj.WriteAt(offset, payload)
		blk.Pending.Unset(uint32(segId))
	}

	if blk.EraseCount == 0 {
		r.finishBlock(obj, blockId, blk)
		return
	}
	if blk.IsRecoverable() && blk.EraseCount > 0 {
		r.tryDecode(obj, blockId, blk, ndata, int(obj.SegmentSize))
	}

	r.emit(norm.Event{Type: norm.EventRxObjectUpdated, Node: r.senderId, Object: obj.Id})

	if data.Flags&pdu.DataFlagObjectEnd != 0 && obj.Pending.IsEmpty() {
		r.completeObject(rx)
	}
}

// tryDecode invokes the FEC decoder once a block's erasures no longer
// exceed its parity capacity, writing recovered source segments to
// storage and clearing the block's pending bits.
func (r *Receiver) tryDecode(obj *object.Object, blockId norm.BlockId, blk *object.Block, ndata, vectorSize int) {
	dec := gf256.NewDecoder(ndata, int(obj.NumParity))
	if err := blk.Decode(dec, ndata, vectorSize); err != nil {
		r.stats.IncFailure()
		return
	}
	for i := 0; i < ndata; i++ {
		if blk.Pending.Test(uint32(i)) {
			offset := obj.SegmentOffset(blockId, norm.SegmentId(i))
			obj.WriteAt(offset, blk.Segments[i])
			blk.Pending.Unset(uint32(i))
		}
	}
	r.finishBlock(obj, blockId, blk)
}

// finishBlock marks a block fully received (or fully decoded) and
// reclaims its slot.
func (r *Receiver) finishBlock(obj *object.Object, blockId norm.BlockId, blk *object.Block) {
	blk.Pending.Clear()
	obj.Pending.Unset(uint32(blockId))
	obj.Repair.Unset(uint32(blockId))
	delete(obj.Blocks, blockId)
	r.heldBlocks--
}

// completeObject marks rx fully received and notifies the application.
func (r *Receiver) completeObject(rx *rxObject) {
	rx.completed = true
	r.stats.IncCompletion()
	r.emit(norm.Event{Type: norm.EventRxObjectCompleted, Node: r.senderId, Object: rx.obj.Id})
}

// allocateBlock gets a fresh block for blockId, stealing an entire
// object's held blocks back under memory pressure per spec.md §4.5:
// silent receivers steal from the ordinally oldest held object, normal
// receivers from the newest (favoring the object closest to
// completion, since the silent receiver has no NACK-driven urgency
// pushing it to finish the oldest object first).
func (r *Receiver) allocateBlock(obj *object.Object, id norm.BlockId, ndata, nparity int) *object.Block {
	if r.heldBlocks >= r.cfg.MaxHeldBlocks {
		var victimId norm.ObjectId
		var found bool
		if r.cfg.SilentReceiver {
			victimId, found = r.oldestHeldObjectId()
		} else {
			victimId, found = r.newestHeldObjectId()
		}
		if found && victimId != obj.Id {
			r.stealBlocks(victimId)
		}
		if r.heldBlocks >= r.cfg.MaxHeldBlocks {
			return nil
		}
	}
	blk := object.NewBlock(id, ndata, nparity)
	blk.EraseCount = ndata + nparity
	blk.Pending.SetRange(0, uint32(ndata))
	r.heldBlocks++
	return blk
}

// stealBlocks discards every in-memory block belonging to victim,
// leaving it to be re-requested via repair, the buffer-stealing path
// spec.md §4.5 describes for receivers under memory pressure.
func (r *Receiver) stealBlocks(victim norm.ObjectId) {
	rx, ok := r.objects[victim]
	if !ok || rx.obj == nil {
		return
	}
	for id := range rx.obj.Blocks {
		rx.obj.Repair.Set(uint32(id))
		delete(rx.obj.Blocks, id)
		r.heldBlocks--
	}
}
