package session

import (
	"time"

	"github.com/go-norm/norm/pkg/pdu"
)

// Handle implements transport.Listener: decode the common header and
// dispatch by PDU type (and, for CMD, by flavor) to the Sender or the
// originating remote sender's Receiver.
func (s *Session) Handle(buf []byte) {
	hdr, _, err := pdu.UnpackHeader(buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	if hdr.SourceId == s.cfg.NodeId {
		// Our own transmission looped back by the transport (e.g. a
		// multicast socket with loopback enabled); never self-process.
		return
	}
	s.stats.IncRxPDU()
	now := time.Now()

	switch hdr.Type {
	case pdu.TypeInfo:
		s.handleInfo(now, hdr, buf)
	case pdu.TypeData:
		s.handleData(now, hdr, buf)
	case pdu.TypeCmd:
		s.handleCmd(now, hdr, buf)
	case pdu.TypeNack:
		s.handleNack(now, hdr, buf)
	case pdu.TypeAck:
		s.handleAck(now, hdr, buf)
	case pdu.TypeReport:
		// Diagnostic snapshot only; no protocol action.
	}
}

func (s *Session) handleInfo(now time.Time, hdr pdu.Header, buf []byte) {
	info, err := pdu.UnpackInfo(hdr, buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	rx := s.receiverFor(hdr.SourceId)
	if err := rx.HandleInfo(now, info); err != nil {
		s.logger.Debug("handle info", "sender", hdr.SourceId, "object", info.ObjectId, "err", err)
	}
}

func (s *Session) handleData(now time.Time, hdr pdu.Header, buf []byte) {
	data, err := pdu.UnpackData(hdr, buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	rx := s.receiverFor(hdr.SourceId)
	if err := rx.HandleData(now, data); err != nil {
		s.logger.Debug("handle data", "sender", hdr.SourceId, "object", data.ObjectId, "err", err)
	}
}

func (s *Session) handleCmd(now time.Time, hdr pdu.Header, buf []byte) {
	cmd, err := pdu.UnpackCmd(hdr, buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	rx := s.receiverFor(hdr.SourceId)

	switch cmd.Flavor {
	case pdu.CmdFlavorFlush, pdu.CmdFlavorEOT, pdu.CmdFlavorApplication:
		rx.Touch(now)
	case pdu.CmdFlavorSquelch:
		sq, err := pdu.UnpackCmdSquelch(cmd.Body)
		if err != nil {
			s.stats.IncMalformed()
			return
		}
		rx.HandleSquelch(now, sq)
		s.stats.IncSquelch()
	case pdu.CmdFlavorCC:
		cc, err := pdu.UnpackCmdCC(cmd.Body)
		if err != nil {
			s.stats.IncMalformed()
			return
		}
		rx.HandleCC(now, cc)
	case pdu.CmdFlavorRepairAdv:
		rx.Touch(now)
		rx.NoteRepairAdvertised()
	case pdu.CmdFlavorAckReq:
		req, err := pdu.UnpackCmdAckReq(cmd.Body)
		if err != nil {
			s.stats.IncMalformed()
			return
		}
		if ack, ok := rx.HandleAckRequest(now, req); ok {
			s.sendAck(ack)
		}
	}
}

func (s *Session) handleNack(now time.Time, hdr pdu.Header, buf []byte) {
	nack, err := pdu.UnpackNack(hdr, buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	if nack.ServerId == s.cfg.NodeId {
		if err := s.tx.HandleNack(hdr.SourceId, nack, now); err != nil {
			s.logger.Debug("handle nack", "from", hdr.SourceId, "err", err)
		}
	}
	// NACK suppression applies only when overhearing a peer NACK for a
	// remote sender this session already tracks as a receiver (never
	// creates a new Receiver purely from an overheard NACK).
	if rx, ok := s.receiverExisting(nack.ServerId); ok {
		rx.ObservePeerNack(now, hdr.SourceId, nack)
	}
}

func (s *Session) handleAck(now time.Time, hdr pdu.Header, buf []byte) {
	ack, err := pdu.UnpackAck(hdr, buf)
	if err != nil {
		s.stats.IncMalformed()
		return
	}
	if ack.ServerId != s.cfg.NodeId {
		return
	}
	s.tx.HandleAck(hdr.SourceId, ack)
}
