package norm

// ObjectId is a 16-bit wrap-around identifier for an object within a
// sender's transmit lifetime. Comparison is signed-modulo: ids are never
// compared as plain unsigned integers.
type ObjectId uint16

// BlockId is a 32-bit wrap-around identifier for a FEC block within an
// object.
type BlockId uint32

// SegmentId is a 16-bit identifier for a source or parity segment within
// a block. Unlike ObjectId/BlockId it is not wrap-compared: it is bounded
// by the block's symbol count (ndata+nparity <= 255).
type SegmentId uint16

// NodeId is an opaque 32-bit peer identity. Equality only, no ordering.
type NodeId uint32

// Delta16 returns a-b reinterpreted as a signed 16-bit delta, matching the
// signed-modulo comparison rule of spec.md §3.
func Delta16(a, b uint16) int16 {
	return int16(a - b)
}

// Delta32 returns a-b reinterpreted as a signed 32-bit delta.
func Delta32(a, b uint32) int32 {
	return int32(a - b)
}

// Less reports whether a precedes b in wrap-tolerant signed-modulo order.
func (a ObjectId) Less(b ObjectId) bool { return Delta16(uint16(a), uint16(b)) < 0 }

// Greater reports whether a follows b.
func (a ObjectId) Greater(b ObjectId) bool { return Delta16(uint16(a), uint16(b)) > 0 }

// Equal reports identifier equality.
func (a ObjectId) Equal(b ObjectId) bool { return a == b }

// Diff returns a-b as a signed delta (b..a span, negative if a precedes b).
func (a ObjectId) Diff(b ObjectId) int16 { return Delta16(uint16(a), uint16(b)) }

// Plus returns a+n, wrapping at 16 bits.
func (a ObjectId) Plus(n int) ObjectId { return ObjectId(uint16(int(a) + n)) }

func (a BlockId) Less(b BlockId) bool      { return Delta32(uint32(a), uint32(b)) < 0 }
func (a BlockId) Greater(b BlockId) bool   { return Delta32(uint32(a), uint32(b)) > 0 }
func (a BlockId) Equal(b BlockId) bool     { return a == b }
func (a BlockId) Diff(b BlockId) int32     { return Delta32(uint32(a), uint32(b)) }
func (a BlockId) Plus(n int) BlockId       { return BlockId(uint32(int64(a) + int64(n))) }

// ObjectSize is a 48-bit quantity (16-bit MSB + 32-bit LSB) as used for
// object/object-range sizes that may exceed 32 bits.
type ObjectSize struct {
	MSB uint16
	LSB uint32
}

// NewObjectSize builds an ObjectSize from a 64-bit value, truncated to 48
// bits.
func NewObjectSize(v uint64) ObjectSize {
	return ObjectSize{MSB: uint16(v >> 32), LSB: uint32(v)}
}

// ToUint64 widens the 48-bit quantity back to a uint64.
func (s ObjectSize) ToUint64() uint64 {
	return uint64(s.MSB)<<32 | uint64(s.LSB)
}

func (s ObjectSize) Add(o ObjectSize) ObjectSize {
	return NewObjectSize(s.ToUint64() + o.ToUint64())
}

func (s ObjectSize) Sub(o ObjectSize) ObjectSize {
	return NewObjectSize(s.ToUint64() - o.ToUint64())
}

func (s ObjectSize) Mul(n uint32) ObjectSize {
	return NewObjectSize(s.ToUint64() * uint64(n))
}

// DivRoundUp divides by n, rounding up, matching spec.md's ceil(S/B) block
// sizing rule.
func (s ObjectSize) DivRoundUp(n uint32) ObjectSize {
	v := s.ToUint64()
	d := uint64(n)
	return NewObjectSize((v + d - 1) / d)
}

func (s ObjectSize) Less(o ObjectSize) bool { return s.ToUint64() < o.ToUint64() }
func (s ObjectSize) Equal(o ObjectSize) bool { return s.ToUint64() == o.ToUint64() }
func (s ObjectSize) IsZero() bool            { return s.MSB == 0 && s.LSB == 0 }

// BlockSizing computes the large/small block partition for an object with
// the given total segment count and block count, following spec.md §3:
// ceil(S/B) = large_block_size; large_block_count = S - B*small_block_size;
// small_block_size = large_block_size-1 when S is not an exact multiple of
// B.
func BlockSizing(segments, blocks uint32) (largeBlockSize, largeBlockCount, smallBlockSize uint32) {
	if blocks == 0 {
		return 0, 0, 0
	}
	largeBlockSize = (segments + blocks - 1) / blocks
	if segments%blocks == 0 {
		smallBlockSize = largeBlockSize
		largeBlockCount = blocks
		return
	}
	smallBlockSize = largeBlockSize - 1
	largeBlockCount = segments - blocks*smallBlockSize
	return
}
