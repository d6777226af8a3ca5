package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// FECPayloadID locates a segment within an object's block structure:
// which block, and which position (source or parity) within it.
type FECPayloadID struct {
	BlockId   norm.BlockId
	SegmentId norm.SegmentId
}

const fecPayloadIDLen = 4 + 2

func (f FECPayloadID) pack(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.BlockId))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.SegmentId))
}

func unpackFECPayloadID(buf []byte) FECPayloadID {
	return FECPayloadID{
		BlockId:   norm.BlockId(binary.BigEndian.Uint32(buf[0:4])),
		SegmentId: norm.SegmentId(binary.BigEndian.Uint16(buf[4:6])),
	}
}

// DataFlags are per-segment bits carried in a DATA PDU.
type DataFlags uint8

const (
	// DataFlagMsgStart marks that a new application message begins at
	// payload offset 0 of this segment, for stream objects.
	DataFlagMsgStart DataFlags = 1 << iota
	// DataFlagBlockEnd marks the last source segment of its block.
	DataFlagBlockEnd
	// DataFlagObjectEnd marks the last segment of the whole object.
	DataFlagObjectEnd
	// DataFlagParity marks that SegmentId indexes a parity symbol
	// rather than a source symbol.
	DataFlagParity
)

// Data is a DATA PDU: one segment (source or FEC parity) of an object.
type Data struct {
	Header     Header
	ObjectId   norm.ObjectId
	FECPayload FECPayloadID
	Flags      DataFlags
	Extensions []Extension
	Payload    []byte
}

const dataFixedLen = 2 + fecPayloadIDLen + 1 // ObjectId + FECPayloadID + Flags

// Pack serializes the DATA PDU into buf, which must be large enough
// for the header, any extensions, and the payload.
func (d Data) Pack(buf []byte) (int, error) {
	hdrWords := (HeaderLen + extensionsLen(d.Extensions) + 3) / 4
	hdr := d.Header
	hdr.Type = TypeData
	hdr.HdrLen = uint8(hdrWords)
	total := hdrWords*4 + dataFixedLen + len(d.Payload)
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	for _, e := range d.Extensions {
		n, err := e.Pack(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	off = int(hdr.HdrLen) * 4
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(d.ObjectId))
	off += 2
	d.FECPayload.pack(buf[off:])
	off += fecPayloadIDLen
	buf[off] = uint8(d.Flags)
	off++
	n := copy(buf[off:], d.Payload)
	return off + n, nil
}

// UnpackData parses a DATA PDU body following a header already read via
// UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackData(hdr Header, buf []byte) (Data, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+dataFixedLen > len(buf) {
		return Data{}, norm.ErrMalformedPDU
	}
	exts, err := UnpackExtensions(buf[HeaderLen:bodyOff], bodyOff-HeaderLen)
	if err != nil {
		return Data{}, err
	}
	off := bodyOff
	d := Data{
		Header:     hdr,
		ObjectId:   norm.ObjectId(binary.BigEndian.Uint16(buf[off : off+2])),
		Extensions: exts,
	}
	off += 2
	d.FECPayload = unpackFECPayloadID(buf[off : off+fecPayloadIDLen])
	off += fecPayloadIDLen
	d.Flags = DataFlags(buf[off])
	off++
	d.Payload = buf[off:]
	return d, nil
}

// Info is an INFO PDU: sender-supplied, application-defined object
// metadata (e.g. a file name), delivered once per object ahead of its
// DATA segments, plus the FTI extension a receiver needs to size the
// object's blocks.
type Info struct {
	Header     Header
	ObjectId   norm.ObjectId
	Extensions []Extension
	Content    []byte
}

const infoFixedLen = 2 // ObjectId

// Pack serializes the INFO PDU into buf.
func (i Info) Pack(buf []byte) (int, error) {
	hdrWords := (HeaderLen + extensionsLen(i.Extensions) + 3) / 4
	hdr := i.Header
	hdr.Type = TypeInfo
	hdr.HdrLen = uint8(hdrWords)
	total := hdrWords*4 + infoFixedLen + len(i.Content)
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	for _, e := range i.Extensions {
		n, err := e.Pack(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	off = int(hdr.HdrLen) * 4
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(i.ObjectId))
	off += 2
	n := copy(buf[off:], i.Content)
	return off + n, nil
}

// UnpackInfo parses an INFO PDU body following a header already read
// via UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackInfo(hdr Header, buf []byte) (Info, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+infoFixedLen > len(buf) {
		return Info{}, norm.ErrMalformedPDU
	}
	exts, err := UnpackExtensions(buf[HeaderLen:bodyOff], bodyOff-HeaderLen)
	if err != nil {
		return Info{}, err
	}
	off := bodyOff
	i := Info{
		Header:     hdr,
		ObjectId:   norm.ObjectId(binary.BigEndian.Uint16(buf[off : off+2])),
		Extensions: exts,
	}
	off += 2
	i.Content = buf[off:]
	return i, nil
}

func extensionsLen(exts []Extension) int {
	total := 0
	var scratch [32]byte
	for _, e := range exts {
		n, err := e.Pack(scratch[:])
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
