package object

import (
	"sync"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/internal/gf256"
)

// BlockFlags records per-block state beyond the segment table and
// bitmasks, mirroring spec.md §3's Block attributes.
type BlockFlags uint8

const (
	BlockFlagParityReady BlockFlags = 1 << iota
	BlockFlagInRepair
)

// Block holds one FEC block's segment table and repair bookkeeping. A
// Block is shared by sender (segments are source+parity, populated from
// an Encoder) and receiver (segments are whatever arrived, with gaps
// recovered by a Decoder) code paths; which applies is determined by
// which of Encoder/Decoder the owning package wires in.
type Block struct {
	Id norm.BlockId

	// Segments holds ndata+nparity slots; a nil slot is missing/erased.
	Segments [][]byte

	Pending *norm.SlidingMask // segments still owed, indexed by position
	Repair  *norm.SlidingMask // segments under active repair

	EraseCount      int
	ParityCount     int
	ParityReadiness int

	Flags BlockFlags
}

// NewBlock allocates a block with ndata+nparity segment-table slots,
// for sender and receiver alike; slots stay nil until filled.
func NewBlock(id norm.BlockId, ndata, nparity int) *Block {
	size := ndata + nparity
	return &Block{
		Id:          id,
		Segments:    make([][]byte, size),
		Pending:     norm.NewSlidingMask(uint32(size)),
		Repair:      norm.NewSlidingMask(uint32(size)),
		ParityCount: nparity,
	}
}

// reset clears a block for reuse from a pool without reallocating its
// segment table or masks, provided the dimensions match.
func (b *Block) reset(id norm.BlockId, ndata, nparity int) {
	b.Id = id
	size := ndata + nparity
	if cap(b.Segments) >= size {
		b.Segments = b.Segments[:size]
		for i := range b.Segments {
			b.Segments[i] = nil
		}
	} else {
		b.Segments = make([][]byte, size)
	}
	b.Pending.Clear()
	b.Pending.SetOffset(0)
	b.Repair.Clear()
	b.Repair.SetOffset(0)
	b.EraseCount = 0
	b.ParityCount = nparity
	b.ParityReadiness = 0
	b.Flags = 0
}

// IsRecoverable reports whether the block's erasures can still be
// repaired by the parity it carries, per spec.md §3's invariant
// `erasure_count + present_segments = ndata+nparity; decode iff
// erasure_count <= parity_count`.
func (b *Block) IsRecoverable() bool {
	return b.EraseCount <= b.ParityCount
}

// Decode attempts to recover erased source segments using d, filling
// any nil/erased slots below ndata with zero-filled vectorSize-byte
// placeholders first so the decoder has a fixed-width vector to write
// into. Erased parity slots stay nil.
func (b *Block) Decode(d *gf256.Decoder, ndata int, vectorSize int) error {
	var erasures []int
	for i, seg := range b.Segments {
		if seg == nil {
			if i < ndata {
				b.Segments[i] = make([]byte, vectorSize)
			}
			erasures = append(erasures, i)
		}
	}
	if len(erasures) == 0 {
		return nil
	}
	return d.Decode(b.Segments, erasures)
}

// EncodeParity runs e over the block's source segments in order,
// attaching the resulting parity into Segments[ndata:] once ready.
func (b *Block) EncodeParity(e *gf256.Encoder, ndata int) error {
	for i := e.ParityReadiness(); i < ndata; i++ {
		if b.Segments[i] == nil {
			return norm.ErrBufferExhausted
		}
		if err := e.Encode(i, b.Segments[i]); err != nil {
			return err
		}
	}
	b.ParityReadiness = e.ParityReadiness()
	if b.ParityReadiness == ndata {
		b.Flags |= BlockFlagParityReady
		for k := 0; k < b.ParityCount; k++ {
			p, ok := e.Parity(k)
			if !ok {
				break
			}
			b.Segments[ndata+k] = p
		}
	}
	return nil
}

// BlockPool is a fixed-capacity free list of *Block, avoiding
// per-block allocation churn. Get returns (nil, false) when empty, the
// signal callers translate to norm.ErrBufferExhausted under memory
// pressure per spec.md §3's "buffer exhaustion -> stealing" path.
type BlockPool struct {
	mu       sync.Mutex
	free     []*Block
	capacity int
	ndata    int
	nparity  int
}

// NewBlockPool preallocates capacity blocks sized for ndata+nparity
// segment slots.
func NewBlockPool(capacity, ndata, nparity int) *BlockPool {
	p := &BlockPool{capacity: capacity, ndata: ndata, nparity: nparity}
	p.free = make([]*Block, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, NewBlock(0, ndata, nparity))
	}
	return p
}

// Get removes and returns a block from the pool, resetting it for id.
func (p *BlockPool) Get(id norm.BlockId) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	b.reset(id, p.ndata, p.nparity)
	return b, true
}

// Put returns a block to the pool. Blocks beyond capacity (should not
// happen if callers only Put what they Got) are dropped.
func (p *BlockPool) Put(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity {
		return
	}
	p.free = append(p.free, b)
}

// Available reports how many blocks are currently free.
func (p *BlockPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// SegmentPool is a fixed-capacity free list of fixed-size byte buffers,
// used for the retrieval pool of temporary source symbols a receiver
// uses while decoding (spec.md §3's RemoteSender "retrieval pool of
// ndata temporary source symbols").
type SegmentPool struct {
	mu         sync.Mutex
	free       [][]byte
	capacity   int
	vectorSize int
}

func NewSegmentPool(capacity, vectorSize int) *SegmentPool {
	p := &SegmentPool{capacity: capacity, vectorSize: vectorSize}
	p.free = make([][]byte, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, make([]byte, vectorSize))
	}
	return p
}

func (p *SegmentPool) Get() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	s := p.free[n-1]
	p.free = p.free[:n-1]
	for i := range s {
		s[i] = 0
	}
	return s, true
}

func (p *SegmentPool) Put(s []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity || len(s) != p.vectorSize {
		return
	}
	p.free = append(p.free, s)
}

func (p *SegmentPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
