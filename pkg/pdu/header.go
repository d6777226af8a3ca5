// Package pdu implements norm's wire-format codec: the common message
// header, the six PDU types, header extensions, and the repair-request
// TLV carried by NACK messages. Every pack/unpack pair here operates on
// a plain []byte, big-endian, matching network byte order for a routed
// IP protocol.
package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// Type identifies which of the six PDU kinds a message carries.
type Type uint8

const (
	TypeInfo Type = iota + 1
	TypeData
	TypeCmd
	TypeNack
	TypeAck
	TypeReport
)

func (t Type) String() string {
	switch t {
	case TypeInfo:
		return "INFO"
	case TypeData:
		return "DATA"
	case TypeCmd:
		return "CMD"
	case TypeNack:
		return "NACK"
	case TypeAck:
		return "ACK"
	case TypeReport:
		return "REPORT"
	default:
		return "UNKNOWN"
	}
}

// Version is the only wire version this module speaks.
const Version = 1

// HeaderLen is the fixed common-header size in bytes.
const HeaderLen = 8

// Header is the fixed leading portion of every PDU: version/type packed
// into one byte, a header-length-in-32-bit-words byte (mirrors the real
// protocol's accommodation for header extensions preceding the
// type-specific body), a 16-bit sequence number, and a 32-bit source
// (sender) identifier.
type Header struct {
	Version  uint8
	Type     Type
	HdrLen   uint8 // header length in 32-bit words, including the 2-word common header
	Sequence uint16
	SourceId norm.NodeId
}

// Pack writes the common header into buf[0:8] and returns the number of
// bytes written. buf must be at least HeaderLen bytes.
func (h Header) Pack(buf []byte) (int, error) {
	if len(buf) < HeaderLen {
		return 0, norm.ErrBufferExhausted
	}
	buf[0] = (h.Version << 4) | (uint8(h.Type) & 0x0F)
	buf[1] = h.HdrLen
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.SourceId))
	return HeaderLen, nil
}

// UnpackHeader reads the common header from buf and returns it along
// with the number of bytes consumed.
func UnpackHeader(buf []byte) (Header, int, error) {
	if len(buf) < HeaderLen {
		return Header{}, 0, norm.ErrMalformedPDU
	}
	h := Header{
		Version:  buf[0] >> 4,
		Type:     Type(buf[0] & 0x0F),
		HdrLen:   buf[1],
		Sequence: binary.BigEndian.Uint16(buf[2:4]),
		SourceId: norm.NodeId(binary.BigEndian.Uint32(buf[4:8])),
	}
	if h.Version != Version {
		return Header{}, 0, norm.ErrMalformedPDU
	}
	switch h.Type {
	case TypeInfo, TypeData, TypeCmd, TypeNack, TypeAck, TypeReport:
	default:
		return Header{}, 0, norm.ErrUnknownPDUType
	}
	return h, HeaderLen, nil
}
