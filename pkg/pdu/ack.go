package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// AckFlavor selects what a positive ACK is confirming.
type AckFlavor uint8

const (
	AckFlush AckFlavor = iota + 1
	AckObject
	AckAppAck
)

// Ack is an ACK PDU: a receiver's positive acknowledgment, typically
// solicited by CMD(FLUSH) or CMD(ACK_REQ).
type Ack struct {
	Header   Header
	ServerId norm.NodeId
	Flavor   AckFlavor
	Content  []byte
}

const ackFixedLen = 4 + 1

// Pack serializes the ACK PDU into buf.
func (a Ack) Pack(buf []byte) (int, error) {
	hdr := a.Header
	hdr.Type = TypeAck
	hdr.HdrLen = HeaderLen / 4
	total := HeaderLen + ackFixedLen + len(a.Content)
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(a.ServerId))
	off += 4
	buf[off] = uint8(a.Flavor)
	off++
	n := copy(buf[off:], a.Content)
	return off + n, nil
}

// UnpackAck parses an ACK PDU body following a header already read via
// UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackAck(hdr Header, buf []byte) (Ack, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+ackFixedLen > len(buf) {
		return Ack{}, norm.ErrMalformedPDU
	}
	off := bodyOff
	a := Ack{
		Header:   hdr,
		ServerId: norm.NodeId(binary.BigEndian.Uint32(buf[off : off+4])),
	}
	off += 4
	a.Flavor = AckFlavor(buf[off])
	off++
	a.Content = buf[off:]
	return a, nil
}
