// Package object implements NORM's object model: the bulk/file/stream
// variants a sender transmits and a receiver reassembles, each backed by
// a block/segment table addressed by the FEC parameters negotiated for
// that object.
//
// An Object carries the bookkeeping fields a Reader/Writer function
// closes over, rather than exposing its internals directly.
package object

import (
	"sync"

	"github.com/go-norm/norm"
)

// Kind selects which of the three object variants spec.md §3 describes
// an Object realizes.
type Kind uint8

const (
	KindBulk Kind = iota + 1
	KindFile
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindBulk:
		return "Bulk"
	case KindFile:
		return "File"
	case KindStream:
		return "Stream"
	default:
		return "Unknown"
	}
}

// NackingMode controls whether and how a receiver repairs an object.
type NackingMode uint8

const (
	NackingNone NackingMode = iota
	NackingInfoOnly
	NackingNormal
)

// Reader fills buf with up to len(buf) bytes of an object's content
// starting at offset, mirroring od.StreamReader's (stream, read,
// countRead) shape but returning the count instead of writing through a
// pointer, since object segments are always whole reads rather than
// partial OD-entry reads.
type Reader func(obj *Object, offset uint64, buf []byte) (n int, err error)

// Writer stores data into an object's content at offset, mirroring
// od.StreamWriter.
type Writer func(obj *Object, offset uint64, data []byte) (n int, err error)

// Object is a transmit or receive object: one file, one bulk buffer, or
// one stream, segmented into FEC blocks per spec.md §3.
type Object struct {
	mu sync.Mutex

	Id    norm.ObjectId
	Kind  Kind
	Size  norm.ObjectSize
	Info  []byte
	Nack  NackingMode

	SegmentSize uint16
	NumData     uint16
	NumParity   uint16

	LargeBlockCount  uint32
	LargeBlockSize   uint32
	SmallBlockCount  uint32
	SmallBlockSize   uint32
	FinalBlockId     norm.BlockId
	FinalSegmentSize uint16

	// Pending marks blocks still owed (sender: not yet fully sent;
	// receiver: not yet fully received). Repair marks blocks under
	// active repair; Repair is always a subset of Pending.
	Pending *norm.SlidingMask
	Repair  *norm.SlidingMask

	Blocks map[norm.BlockId]*Block

	reader Reader
	writer Writer

	// Stream is non-nil iff Kind == KindStream.
	Stream *StreamState
}

// New builds an Object of the given kind and total size, computing the
// large/small block partition per spec.md §3's ceil(S/B) rule. segments
// is the total segment count across the object; blocks is how many FEC
// blocks to divide it into (both precomputed by the caller from size and
// segmentSize/ndata).
func New(id norm.ObjectId, kind Kind, size norm.ObjectSize, segmentSize, ndata, nparity uint16, segments, blocks uint32) *Object {
	o := &Object{
		Id:          id,
		Kind:        kind,
		Size:        size,
		SegmentSize: segmentSize,
		NumData:     ndata,
		NumParity:   nparity,
		Blocks:      make(map[norm.BlockId]*Block),
	}
	if blocks == 0 {
		blocks = 1
	}
	large, largeCount, small := norm.BlockSizing(segments, blocks)
	o.LargeBlockSize = large
	o.LargeBlockCount = largeCount
	o.SmallBlockSize = small
	o.SmallBlockCount = blocks - largeCount
	o.FinalBlockId = norm.BlockId(blocks - 1)

	if segments == 0 {
		o.FinalSegmentSize = 0
	} else if rem := uint16(size.ToUint64() % uint64(segmentSize)); rem != 0 {
		o.FinalSegmentSize = rem
	} else {
		o.FinalSegmentSize = segmentSize
	}

	o.Pending = norm.NewSlidingMask(blocks)
	o.Repair = norm.NewSlidingMask(blocks)
	o.Pending.SetRange(0, blocks)

	if kind == KindStream {
		o.Stream = newStreamState()
	}
	return o
}

// SetReaderWriter installs the Reader/Writer pair a sender or receiver
// uses to move object content in and out of application-owned storage
// (an in-memory buffer, an *os.File, or the stream ring for KindStream).
func (o *Object) SetReaderWriter(r Reader, w Writer) {
	o.reader = r
	o.writer = w
}

// ReadAt reads via the installed Reader. It panics if none was
// installed, the same contract od.Streamer has for an unset reader.
func (o *Object) ReadAt(offset uint64, buf []byte) (int, error) {
	return o.reader(o, offset, buf)
}

// WriteAt writes via the installed Writer.
func (o *Object) WriteAt(offset uint64, data []byte) (int, error) {
	return o.writer(o, offset, data)
}

// BlockSize returns how many source segments block id holds: large size
// for the first LargeBlockCount blocks, small size thereafter, matching
// spec.md §3's partition (blocks are numbered so the large blocks come
// first).
func (o *Object) BlockSize(id norm.BlockId) uint32 {
	if uint32(id) < o.LargeBlockCount {
		return o.LargeBlockSize
	}
	return o.SmallBlockSize
}

// SegmentSizeOf returns the payload size of segment seg within block id,
// accounting for the final short segment of the object's last block.
func (o *Object) SegmentSizeOf(id norm.BlockId, seg norm.SegmentId) uint16 {
	if id == o.FinalBlockId && uint32(seg) == o.BlockSize(id)-1 {
		return o.FinalSegmentSize
	}
	return o.SegmentSize
}

// SegmentOffset returns the byte offset of source segment seg of block
// id within the object's flat content, accounting for the large/small
// block partition (large blocks numbered first, per spec.md §3).
func (o *Object) SegmentOffset(id norm.BlockId, seg norm.SegmentId) uint64 {
	var segIndex uint64
	if uint32(id) < o.LargeBlockCount {
		segIndex = uint64(id)*uint64(o.LargeBlockSize) + uint64(seg)
	} else {
		afterLarge := uint64(o.LargeBlockCount) * uint64(o.LargeBlockSize)
		segIndex = afterLarge + uint64(uint32(id)-o.LargeBlockCount)*uint64(o.SmallBlockSize) + uint64(seg)
	}
	return segIndex * uint64(o.SegmentSize)
}

// Lock/Unlock expose the object's mutex to callers (sender/receiver)
// that must serialize block-table mutation against concurrent
// application reads, the same coarse per-entry locking pkg/od uses via
// its Stream.mu.
func (o *Object) Lock()   { o.mu.Lock() }
func (o *Object) Unlock() { o.mu.Unlock() }

// NewInMemoryReaderWriter returns a Reader/Writer pair backed by a
// single in-memory buffer, the realization KindBulk objects use by
// default (analogous to od's *Variable case in NewStreamer, whose
// reader/writer operate directly on the entry's Data slice).
func NewInMemoryReaderWriter(buf []byte) (Reader, Writer) {
	r := func(_ *Object, offset uint64, out []byte) (int, error) {
		if offset >= uint64(len(buf)) {
			return 0, nil
		}
		n := copy(out, buf[offset:])
		return n, nil
	}
	w := func(_ *Object, offset uint64, data []byte) (int, error) {
		end := offset + uint64(len(data))
		if end > uint64(len(buf)) {
			grown := make([]byte, end)
			copy(grown, buf)
			buf = grown
		}
		n := copy(buf[offset:], data)
		return n, nil
	}
	return r, w
}
