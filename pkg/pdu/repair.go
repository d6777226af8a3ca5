package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// RepairForm selects how a RepairRequest's items describe what's
// missing: by explicit id (Items), by inclusive id range (Ranges), or
// by a bare erasure count per block, leaving symbol selection to the
// sender's FEC encoder (Erasures).
type RepairForm uint8

const (
	RepairItems RepairForm = iota + 1
	RepairRanges
	RepairErasures
)

// RepairFlags records the granularity (and whether INFO content is
// also being requested) of a RepairRequest's items.
type RepairFlags uint8

const (
	RepairFlagSegment RepairFlags = 1 << iota
	RepairFlagBlock
	RepairFlagObject
	RepairFlagInfo
)

// RepairItem is one entry of a RepairRequest. Which fields are
// meaningful depends on the owning RepairRequest's Form and Flags:
// object-level entries only use ObjectId; block-level entries use
// ObjectId+BlockId and name a single block, under RepairRanges too;
// segment-level entries additionally use SegmentId
// (+SegmentEnd for ranges); RepairErasures entries use EraseCount
// instead of an explicit id or range.
type RepairItem struct {
	ObjectId   norm.ObjectId
	BlockId    norm.BlockId
	SegmentId  norm.SegmentId
	SegmentEnd norm.SegmentId
	EraseCount uint16
}

// repairItemLen is the fixed on-wire size of one RepairItem. Every
// field is always present: simpler and more uniform than packing a
// variable-width record per flags combination, at the cost of a few
// wasted bytes per item.
const repairItemLen = 2 + 4 + 2 + 2 + 2

// RepairRequest is one NACK content segment.
type RepairRequest struct {
	Form  RepairForm
	Flags RepairFlags
	Items []RepairItem
}

const repairRequestHeaderLen = 1 + 1 + 2 // form, flags, item count

// Len returns the total packed size in bytes.
func (r RepairRequest) Len() int {
	return repairRequestHeaderLen + len(r.Items)*repairItemLen
}

// Pack writes the repair request into buf.
func (r RepairRequest) Pack(buf []byte) (int, error) {
	total := r.Len()
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	buf[0] = uint8(r.Form)
	buf[1] = uint8(r.Flags)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Items)))
	off := repairRequestHeaderLen
	for _, it := range r.Items {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(it.ObjectId))
		binary.BigEndian.PutUint32(buf[off+2:off+6], uint32(it.BlockId))
		binary.BigEndian.PutUint16(buf[off+6:off+8], uint16(it.SegmentId))
		binary.BigEndian.PutUint16(buf[off+8:off+10], uint16(it.SegmentEnd))
		binary.BigEndian.PutUint16(buf[off+10:off+12], it.EraseCount)
		off += repairItemLen
	}
	return total, nil
}

// UnpackRepairRequest reads one repair request from the front of buf,
// returning it and the number of bytes consumed.
func UnpackRepairRequest(buf []byte) (RepairRequest, int, error) {
	if len(buf) < repairRequestHeaderLen {
		return RepairRequest{}, 0, norm.ErrMalformedPDU
	}
	form := RepairForm(buf[0])
	switch form {
	case RepairItems, RepairRanges, RepairErasures:
	default:
		return RepairRequest{}, 0, norm.ErrMalformedPDU
	}
	flags := RepairFlags(buf[1])
	count := int(binary.BigEndian.Uint16(buf[2:4]))
	total := repairRequestHeaderLen + count*repairItemLen
	if len(buf) < total {
		return RepairRequest{}, 0, norm.ErrMalformedPDU
	}
	r := RepairRequest{Form: form, Flags: flags}
	if count > 0 {
		r.Items = make([]RepairItem, count)
	}
	off := repairRequestHeaderLen
	for i := 0; i < count; i++ {
		r.Items[i] = RepairItem{
			ObjectId:   norm.ObjectId(binary.BigEndian.Uint16(buf[off : off+2])),
			BlockId:    norm.BlockId(binary.BigEndian.Uint32(buf[off+2 : off+6])),
			SegmentId:  norm.SegmentId(binary.BigEndian.Uint16(buf[off+6 : off+8])),
			SegmentEnd: norm.SegmentId(binary.BigEndian.Uint16(buf[off+8 : off+10])),
			EraseCount: binary.BigEndian.Uint16(buf[off+10 : off+12]),
		}
		off += repairItemLen
	}
	return r, total, nil
}

// RepairRequestIterator walks a buffer of back-to-back RepairRequest
// segments (a NACK's content) one at a time without materializing the
// whole list, the shape a receiver's NACK builder and a sender's NACK
// processing loop both want: bounded working memory regardless of how
// many repair segments a single NACK packs.
type RepairRequestIterator struct {
	buf []byte
	off int
	err error
}

// NewRepairRequestIterator begins iterating buf[0:n].
func NewRepairRequestIterator(buf []byte, n int) *RepairRequestIterator {
	if n > len(buf) {
		n = len(buf)
	}
	return &RepairRequestIterator{buf: buf[:n]}
}

// Next returns the next repair request, or false when exhausted (or on
// a malformed remainder, distinguishable via Err).
func (it *RepairRequestIterator) Next() (RepairRequest, bool) {
	if it.err != nil || it.off >= len(it.buf) {
		return RepairRequest{}, false
	}
	r, n, err := UnpackRepairRequest(it.buf[it.off:])
	if err != nil {
		it.err = err
		return RepairRequest{}, false
	}
	it.off += n
	return r, true
}

// Err returns any error encountered during iteration.
func (it *RepairRequestIterator) Err() error { return it.err }
