package sender

import (
	"time"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/pkg/pdu"
)

// fecIdReedSolomon8 identifies the FEC Object Transmission Information
// scheme this module speaks: systematic 8-bit Reed-Solomon, the only
// codec internal/gf256 implements.
const fecIdReedSolomon8 = 2

// Outbound is one PDU Service has decided to transmit this tick. Only
// the field matching Type is populated; the caller (pkg/session) packs
// it and hands the bytes to the transport.
type Outbound struct {
	Type pdu.Type
	Info *pdu.Info
	Data *pdu.Data
	Cmd  *pdu.Cmd
}

// Service drives one tick of the sender state machine, per spec.md
// §4.4's priority order: pending SQUELCH, a due CC probe, then at most
// one data-carrying PDU (object INFO — initial or EMCON redundant —
// ahead of DATA, repair traffic folded in via the object/block Pending
// masks NACK processing already marked), falling back to an idle
// CMD(FLUSH) when nothing else is owed. The caller is expected to call
// Service on a cadence derived from TxRate and SegmentSize (one
// segment's worth of time per call), the same single-threaded
// cooperative model spec.md §5 prescribes.
func (s *Sender) Service(now time.Time) []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Outbound

	s.serviceNackTimer(now)
	s.checkCCTimeout(now)

	if sq, ok := s.buildSquelch(); ok {
		out = append(out, Outbound{
			Type: pdu.TypeCmd,
			Cmd:  &pdu.Cmd{Header: s.header(pdu.TypeCmd), Flavor: pdu.CmdFlavorSquelch, Body: sq.Pack()},
		})
	}

	if probe, ok := s.buildCCProbe(now); ok {
		out = append(out, Outbound{
			Type: pdu.TypeCmd,
			Cmd:  &pdu.Cmd{Header: s.header(pdu.TypeCmd), Flavor: pdu.CmdFlavorCC, Body: probe.Pack()},
		})
	}

	for _, id := range s.objectOrder {
		tx := s.objects[id]
		if tx.pendingInfo {
			info := s.buildInfoOutbound(tx)
			tx.pendingInfo = false
			s.emconMarkSent(id, now)
			out = append(out, info)
			return out
		}
	}

	grtt := s.grtt.Estimate()
	for _, id := range s.objectOrder {
		if s.emconDue(id, now, grtt) {
			tx := s.objects[id]
			out = append(out, s.buildInfoOutbound(tx))
			s.emconMarkSent(id, now)
			return out
		}
	}

	if data, ok := s.nextDataPDU(); ok {
		out = append(out, data)
		return out
	}

	out = append(out, s.maybeIdleFlush(now)...)

	return out
}

func (s *Sender) buildInfoOutbound(tx *txObject) Outbound {
	fti := pdu.FTI{
		ObjectSize:  tx.obj.Size,
		SegmentSize: tx.obj.SegmentSize,
		NumData:     tx.obj.NumData,
		NumParity:   tx.obj.NumParity,
		FecId:       fecIdReedSolomon8,
	}
	info := &pdu.Info{
		Header:     s.header(pdu.TypeInfo),
		ObjectId:   tx.obj.Id,
		Extensions: []pdu.Extension{fti},
		Content:    tx.obj.Info,
	}
	return Outbound{Type: pdu.TypeInfo, Info: info}
}

// nextDataPDU finds the next pending (block, segment) across the tx
// table in admission order and builds its DATA PDU, clearing the
// segment from the owning block's Pending mask and reclaiming the
// block once fully (re)transmitted.
func (s *Sender) nextDataPDU() (Outbound, bool) {
	for _, id := range s.objectOrder {
		tx := s.objects[id]
		if tx.obj.Pending.IsEmpty() {
			continue
		}
		blockIdx, ok := tx.obj.Pending.FirstSet()
		if !ok {
			continue
		}
		blockId := norm.BlockId(blockIdx)
		blk, err := s.getBlock(tx, blockId)
		if err != nil {
			s.stats.IncFailure()
			tx.obj.Pending.Unset(blockIdx)
			continue
		}
		segIdx, ok := blk.Pending.FirstSet()
		if !ok {
			tx.obj.Pending.Unset(blockIdx)
			continue
		}

		ndata := int(tx.obj.BlockSize(blockId))
		isParity := int(segIdx) >= ndata
		flags := pdu.DataFlags(0)
		if isParity {
			flags |= pdu.DataFlagParity
		}
		if int(segIdx) == ndata-1 {
			flags |= pdu.DataFlagBlockEnd
			if blockId == tx.obj.FinalBlockId {
				flags |= pdu.DataFlagObjectEnd
			}
		}

		fec := pdu.FECPayloadID{BlockId: blockId, SegmentId: norm.SegmentId(segIdx)}
		var exts []pdu.Extension
		if s.cfg.CCEnable {
			exts = append(exts, pdu.CCRate{Rate: pdu.QuantizeRate(s.TxRateLocked())})
		}
		data := &pdu.Data{
			Header:     s.header(pdu.TypeData),
			ObjectId:   id,
			FECPayload: fec,
			Flags:      flags,
			Extensions: exts,
			Payload:    blk.Segments[segIdx],
		}

		blk.Pending.Unset(uint32(segIdx))
		if blk.Pending.IsEmpty() {
			tx.obj.Pending.Unset(blockIdx)
			tx.obj.Repair.Unset(blockIdx)
			releaseBlockIfDone(tx, blockId, blk)
		}
		if tx.obj.Pending.IsEmpty() && tx.obj.Repair.IsEmpty() {
			tx.repairPending = false
			s.txPending.Unset(uint32(id))
		}

		s.lastObject = id
		s.lastSentFEC = fec
		return Outbound{Type: pdu.TypeData, Data: data}, true
	}
	return Outbound{}, false
}

// TxRateLocked is TxRate's body for a caller that already holds s.mu.
func (s *Sender) TxRateLocked() float64 {
	if s.cfg.CCEnable && s.cc.haveCLR && s.cc.rate > 0 {
		return s.cc.rate
	}
	return s.cfg.TxRate
}

// maybeIdleFlush emits a CMD(FLUSH) addressed at the most recently
// sent position when nothing else is owed, rate-limited to at most
// once per 2*GRTT. It does not stop after robust_factor flushes: every
// robust_factor-th flush emits EventTxFlushCompleted and restarts the
// count. Returns the flush plus, when a watermark is still outstanding, a paired
// CMD(ACK_REQ) naming the nodes that have yet to acknowledge.
func (s *Sender) maybeIdleFlush(now time.Time) []Outbound {
	grtt := s.grtt.Estimate()
	s.flush.interval = time.Duration(2 * grtt * float64(time.Second))
	if !s.flush.due(now) {
		return nil
	}
	body := pdu.CmdFlush{ObjectId: s.lastObject, FECPayload: s.lastSentFEC}.Pack()
	cmd := &pdu.Cmd{Header: s.header(pdu.TypeCmd), Flavor: pdu.CmdFlavorFlush, Body: body}
	s.flush.lastSend = now
	s.flush.count++
	if s.flush.count >= s.cfg.RobustFactor {
		s.flush.count = 0
		s.emit(norm.Event{Type: norm.EventTxFlushCompleted, Object: s.lastObject})
	}
	out := []Outbound{{Type: pdu.TypeCmd, Cmd: cmd}}

	if nodes := s.watermarkOutstandingNodes(); len(nodes) > 0 {
		reqBody := pdu.CmdAckReq{AckId: uint8(pdu.AckFlush), Destination: nodes}.Pack()
		out = append(out, Outbound{Type: pdu.TypeCmd, Cmd: &pdu.Cmd{
			Header: s.header(pdu.TypeCmd), Flavor: pdu.CmdFlavorAckReq, Body: reqBody,
		}})
	}

	s.onFlushSent()
	return out
}
