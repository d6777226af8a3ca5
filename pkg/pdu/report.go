package pdu

import (
	"encoding/binary"

	"github.com/go-norm/norm"
)

// Report is a REPORT PDU: a periodic diagnostic snapshot of a node's
// counters, surfaced for monitoring rather than protocol correctness.
type Report struct {
	Header Header
	Stats  norm.Stats
}

const reportFieldCount = 11
const reportFixedLen = reportFieldCount * 8

// Pack serializes the REPORT PDU into buf.
func (r Report) Pack(buf []byte) (int, error) {
	hdr := r.Header
	hdr.Type = TypeReport
	hdr.HdrLen = HeaderLen / 4
	total := HeaderLen + reportFixedLen
	if len(buf) < total {
		return 0, norm.ErrBufferExhausted
	}
	if _, err := hdr.Pack(buf); err != nil {
		return 0, err
	}
	off := HeaderLen
	s := r.Stats.Snapshot()
	fields := []uint64{
		s.TxPDUCount, s.RxPDUCount, s.NackCount, s.SquelchCount,
		s.CompletionCount, s.FailureCount, s.ResyncCount, s.MalformedCount,
		s.BufferExhaustCount, s.ActivityTimeouts, s.SuppressCount,
	}
	for _, f := range fields {
		binary.BigEndian.PutUint64(buf[off:off+8], f)
		off += 8
	}
	return off, nil
}

// UnpackReport parses a REPORT PDU body following a header already
// read via UnpackHeader; buf must start at byte 0 of the whole PDU.
func UnpackReport(hdr Header, buf []byte) (Report, error) {
	bodyOff := int(hdr.HdrLen) * 4
	if bodyOff < HeaderLen || bodyOff+reportFixedLen > len(buf) {
		return Report{}, norm.ErrMalformedPDU
	}
	off := bodyOff
	read := func() uint64 {
		v := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	r := Report{Header: hdr}
	r.Stats.TxPDUCount = read()
	r.Stats.RxPDUCount = read()
	r.Stats.NackCount = read()
	r.Stats.SquelchCount = read()
	r.Stats.CompletionCount = read()
	r.Stats.FailureCount = read()
	r.Stats.ResyncCount = read()
	r.Stats.MalformedCount = read()
	r.Stats.BufferExhaustCount = read()
	r.Stats.ActivityTimeouts = read()
	r.Stats.SuppressCount = read()
	return r, nil
}
