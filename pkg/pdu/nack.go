package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// Nack is a NACK PDU: a receiver's repair request(s) for one remote
// sender, optionally carrying congestion-control feedback.
type Nack struct {
	Header       Header
	ServerId     norm.NodeId
	InstanceId   uint16 // sender instance, detects sender restarts mid-session
	GrttResponse uint8  // echoes the CC probe sequence being responded to
	Extensions   []Extension
	Content      []byte // back-to-back RepairRequest segments, see RepairRequestIterator
}

const nackFixedLen = 4 + 2 + 1

// Pack serializes the NACK PDU into buf.
func (n Nack) Pack(buf []byte) (int, error) {
	hdrWords := (HeaderLen + extensionsLen(n.Extensions) + 3) / 4
	hdr := n.Header
	hdr.Type = TypeNack
	hdr.HdrLen = uint8(hdrWords)
	total := hdrWords*4 + nackFixedLen + len(n.Content)
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	for _, e := range n.Extensions {
		m, err := e.Pack(buf[off:])
		if err != nil {
			return 0, err
		}
		off += m
	}
	off = int(hdr.HdrLen) * 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(n.ServerId))
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], n.InstanceId)
	off += 2
	buf[off] = n.GrttResponse
	off++
	m := copy(buf[off:], n.Content)
	return off + m, nil
}

// UnpackNack parses a NACK PDU body following a header already read via
// UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackNack(hdr Header, buf []byte) (Nack, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+nackFixedLen > len(buf) {
		return Nack{}, norm.ErrMalformedPDU
	}
	exts, err := UnpackExtensions(buf[HeaderLen:bodyOff], bodyOff-HeaderLen)
	if err != nil {
		return Nack{}, err
	}
	off := bodyOff
	n := Nack{
		Header:     hdr,
		ServerId:   norm.NodeId(binary.BigEndian.Uint32(buf[off : off+4])),
		Extensions: exts,
	}
	off += 4
	n.InstanceId = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	n.GrttResponse = buf[off]
	off++
	n.Content = buf[off:]
	return n, nil
}
