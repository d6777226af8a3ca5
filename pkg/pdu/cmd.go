package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// CmdFlavor selects the content carried by a CMD PDU.
type CmdFlavor uint8

const (
	CmdFlavorFlush CmdFlavor = iota + 1
	CmdFlavorEOT
	CmdFlavorSquelch
	CmdFlavorCC
	CmdFlavorRepairAdv
	CmdFlavorAckReq
	CmdFlavorApplication
)

// Cmd is a CMD PDU: its meaning is entirely determined by Flavor.
type Cmd struct {
	Header     Header
	Flavor     CmdFlavor
	Extensions []Extension
	Body       []byte // flavor-specific payload, see the CmdXxx helpers below
}

const cmdFixedLen = 1 // flavor byte

// Pack serializes the CMD PDU into buf.
func (c Cmd) Pack(buf []byte) (int, error) {
	hdrWords := (HeaderLen + extensionsLen(c.Extensions) + 3) / 4
	hdr := c.Header
	hdr.Type = TypeCmd
	hdr.HdrLen = uint8(hdrWords)
	total := hdrWords*4 + cmdFixedLen + len(c.Body)
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	for _, e := range c.Extensions {
		n, err := e.Pack(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	off = int(hdr.HdrLen) * 4
	buf[off] = uint8(c.Flavor)
	off++
	n := copy(buf[off:], c.Body)
	return off + n, nil
}

// UnpackCmd parses a CMD PDU body following a header already read via
// UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackCmd(hdr Header, buf []byte) (Cmd, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+cmdFixedLen > len(buf) {
		return Cmd{}, norm.ErrMalformedPDU
	}
	exts, err := UnpackExtensions(buf[HeaderLen:bodyOff], bodyOff-HeaderLen)
	if err != nil {
		return Cmd{}, err
	}
	off := bodyOff
	c := Cmd{Header: hdr, Flavor: CmdFlavor(buf[off]), Extensions: exts}
	off++
	c.Body = buf[off:]
	return c, nil
}

// --- flavor-specific bodies -----------------------------------------

// CmdFlush is CMD(FLUSH)'s body: the sender has no more data to send
// for this object (or session, if ObjectId is the wildcard) up to and
// including FECPayload, and wants positive acknowledgment.
type CmdFlush struct {
	ObjectId   norm.ObjectId
	FECPayload FECPayloadID
}

func (f CmdFlush) Pack() []byte {
	buf := make([]byte, 2+fecPayloadIDLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.ObjectId))
	f.FECPayload.pack(buf[2:])
	return buf
}

func UnpackCmdFlush(body []byte) (CmdFlush, error) {
	if len(body) < 2+fecPayloadIDLen {
		return CmdFlush{}, norm.ErrMalformedPDU
	}
	return CmdFlush{
		ObjectId:   norm.ObjectId(binary.BigEndian.Uint16(body[0:2])),
		FECPayload: unpackFECPayloadID(body[2 : 2+fecPayloadIDLen]),
	}, nil
}

// CmdSquelch is CMD(SQUELCH)'s body: tells a receiver that repair data
// it is requesting no longer exists at the sender (the object/block
// has been purged), carrying the sender's current transmit position so
// the receiver can resynchronize instead of repeatedly NACKing.
type CmdSquelch struct {
	SenderCurrentObjectId norm.ObjectId
	FECPayload            FECPayloadID
	// Invalidated lists the object ids the receiver should give up on.
	Invalidated []norm.ObjectId
}

func (s CmdSquelch) Pack() []byte {
	buf := make([]byte, 2+fecPayloadIDLen+2+2*len(s.Invalidated))
	binary.BigEndian.PutUint16(buf[0:2], uint16(s.SenderCurrentObjectId))
	s.FECPayload.pack(buf[2:])
	off := 2 + fecPayloadIDLen
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(s.Invalidated)))
	off += 2
	for _, id := range s.Invalidated {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(id))
		off += 2
	}
	return buf
}

func UnpackCmdSquelch(body []byte) (CmdSquelch, error) {
	fixed := 2 + fecPayloadIDLen + 2
	if len(body) < fixed {
		return CmdSquelch{}, norm.ErrMalformedPDU
	}
	s := CmdSquelch{
		SenderCurrentObjectId: norm.ObjectId(binary.BigEndian.Uint16(body[0:2])),
		FECPayload:            unpackFECPayloadID(body[2 : 2+fecPayloadIDLen]),
	}
	off := 2 + fecPayloadIDLen
	count := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+2*count {
		return CmdSquelch{}, norm.ErrMalformedPDU
	}
	s.Invalidated = make([]norm.ObjectId, count)
	for i := 0; i < count; i++ {
		s.Invalidated[i] = norm.ObjectId(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
	}
	return s, nil
}

// CmdCC is CMD(CC)'s body: the sender's periodic congestion-control
// probe, carrying its own GRTT/rate estimate and per-receiver feedback
// echoed back from the current CLR/representative set.
type CmdCC struct {
	CCSequence uint8
	GrttQ      uint8 // quantized, see QuantizeRTT
	GroupSizeQ uint8 // quantized, see QuantizeGroupSize
	RateQ      uint8 // quantized, see QuantizeRate
	Nodes      []CmdCCNode
}

// CmdCCNode is one per-receiver feedback slot in CMD(CC).
type CmdCCNode struct {
	NodeId norm.NodeId
	CCFeedback
}

const cmdCCNodeLen = 4 + ccFeedbackBodyLen

func (c CmdCC) Pack() []byte {
	buf := make([]byte, 4+2+len(c.Nodes)*cmdCCNodeLen)
	buf[0] = c.CCSequence
	buf[1] = c.GrttQ
	buf[2] = c.GroupSizeQ
	buf[3] = c.RateQ
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(c.Nodes)))
	off := 6
	for _, n := range c.Nodes {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(n.NodeId))
		var fbBuf [extHeaderLen + ccFeedbackBodyLen]byte
		n.CCFeedback.Pack(fbBuf[:])
		copy(buf[off+4:], fbBuf[extHeaderLen:])
		off += cmdCCNodeLen
	}
	return buf
}

func UnpackCmdCC(body []byte) (CmdCC, error) {
	if len(body) < 6 {
		return CmdCC{}, norm.ErrMalformedPDU
	}
	c := CmdCC{
		CCSequence: body[0],
		GrttQ:      body[1],
		GroupSizeQ: body[2],
		RateQ:      body[3],
	}
	count := int(binary.BigEndian.Uint16(body[4:6]))
	off := 6
	if len(body) < off+count*cmdCCNodeLen {
		return CmdCC{}, norm.ErrMalformedPDU
	}
	c.Nodes = make([]CmdCCNode, count)
	for i := 0; i < count; i++ {
		nodeId := norm.NodeId(binary.BigEndian.Uint32(body[off : off+4]))
		fb, err := unpackCCFeedback(body[off+4 : off+cmdCCNodeLen])
		if err != nil {
			return CmdCC{}, err
		}
		c.Nodes[i] = CmdCCNode{NodeId: nodeId, CCFeedback: fb}
		off += cmdCCNodeLen
	}
	return c, nil
}

// CmdAckReq is CMD(ACK_REQ)'s body: an explicit request that one or
// more receivers send a positive ACK of a given flavor.
type CmdAckReq struct {
	AckId       uint8
	Destination []norm.NodeId
}

func (a CmdAckReq) Pack() []byte {
	buf := make([]byte, 1+2+4*len(a.Destination))
	buf[0] = a.AckId
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(a.Destination)))
	off := 3
	for _, d := range a.Destination {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(d))
		off += 4
	}
	return buf
}

func UnpackCmdAckReq(body []byte) (CmdAckReq, error) {
	if len(body) < 3 {
		return CmdAckReq{}, norm.ErrMalformedPDU
	}
	a := CmdAckReq{AckId: body[0]}
	count := int(binary.BigEndian.Uint16(body[1:3]))
	off := 3
	if len(body) < off+4*count {
		return CmdAckReq{}, norm.ErrMalformedPDU
	}
	a.Destination = make([]norm.NodeId, count)
	for i := 0; i < count; i++ {
		a.Destination[i] = norm.NodeId(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
	}
	return a, nil
}
