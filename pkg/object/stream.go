package object

import (
	"github.com/go-norm/norm"
)

// FlushMode selects how aggressively a stream object's sender flushes
// pending output to the network, per spec.md §3.
type FlushMode uint8

const (
	FlushNone FlushMode = iota
	FlushPassive
	FlushActive
)

// blockSegment is a (block, segment) pair used for the stream's
// monotonically increasing write/read index pair, per spec.md §3.
type blockSegment struct {
	Block   norm.BlockId
	Segment norm.SegmentId
}

// StreamState adds the circular stream_buffer bookkeeping spec.md §3
// describes for KindStream objects: a fixed ring with writePos/readPos
// wraparound arithmetic, sized for a long-lived multi-block stream
// rather than a one-shot transfer.
type StreamState struct {
	buffer   []byte
	writePos int
	readPos  int

	WriteOffset uint64 // total bytes ever written (byte-granular)
	ReadOffset  uint64 // total bytes ever read

	WriteIndex blockSegment
	ReadIndex  blockSegment

	SyncId   norm.BlockId // oldest block still needed by a reader
	NextId   norm.BlockId // next block id to be allocated
	Synced   bool

	Flush FlushMode

	// MsgStart marks that the next segment written begins a new
	// application message, surfaced to the DATA PDU's MSG_START flag.
	MsgStart bool
}

func newStreamState() *StreamState {
	return &StreamState{Flush: FlushNone}
}

// Resize allocates (or reallocates, discarding content) the ring buffer
// to the given byte capacity. Called once a session knows the
// configured stream buffer size.
func (s *StreamState) Resize(size int) {
	s.buffer = make([]byte, size)
	s.writePos = 0
	s.readPos = 0
}

// Space reports free bytes available to write, reserving one byte to
// disambiguate full from empty the way fifo.Fifo does.
func (s *StreamState) Space() int {
	left := s.readPos - s.writePos - 1
	if left < 0 {
		left += len(s.buffer)
	}
	return left
}

// Occupied reports bytes available to read.
func (s *StreamState) Occupied() int {
	occ := s.writePos - s.readPos
	if occ < 0 {
		occ += len(s.buffer)
	}
	return occ
}

// Write copies as much of data as fits into the ring, advancing
// WriteOffset and returning the count actually written (short writes
// happen when the ring is nearly full; the caller, a stream Writer,
// must retry later rather than block).
func (s *StreamState) Write(data []byte) int {
	n := 0
	for _, b := range data {
		next := s.writePos + 1
		if next == s.readPos || (next == len(s.buffer) && s.readPos == 0) {
			break
		}
		s.buffer[s.writePos] = b
		n++
		if next == len(s.buffer) {
			s.writePos = 0
		} else {
			s.writePos++
		}
	}
	s.WriteOffset += uint64(n)
	return n
}

// Read copies up to len(out) occupied bytes out of the ring, advancing
// ReadOffset.
func (s *StreamState) Read(out []byte) int {
	if s.readPos == s.writePos {
		return 0
	}
	n := 0
	for n < len(out) {
		if s.readPos == s.writePos {
			break
		}
		out[n] = s.buffer[s.readPos]
		n++
		s.readPos++
		if s.readPos == len(s.buffer) {
			s.readPos = 0
		}
	}
	s.ReadOffset += uint64(n)
	return n
}

// Peek copies up to len(out) occupied bytes without advancing the read
// position, used to re-segment the same bytes into a DATA PDU on
// retransmit.
func (s *StreamState) Peek(out []byte) int {
	pos := s.readPos
	n := 0
	for n < len(out) {
		if pos == s.writePos {
			break
		}
		out[n] = s.buffer[pos]
		n++
		pos++
		if pos == len(s.buffer) {
			pos = 0
		}
	}
	return n
}

// AdvanceWriteIndex records that segment seg of block id has been
// queued for transmission (sender) or delivered to the application
// (receiver), and whether it starts a new message.
func (s *StreamState) AdvanceWriteIndex(id norm.BlockId, seg norm.SegmentId, msgStart bool) {
	s.WriteIndex = blockSegment{Block: id, Segment: seg}
	s.MsgStart = msgStart
	if id.Greater(s.NextId) || id == s.NextId {
		s.NextId = id.Plus(1)
	}
}

// AdvanceReadIndex records that segment seg of block id has been
// consumed.
func (s *StreamState) AdvanceReadIndex(id norm.BlockId, seg norm.SegmentId) {
	s.ReadIndex = blockSegment{Block: id, Segment: seg}
	if id.Greater(s.SyncId) {
		s.SyncId = id
	}
}
