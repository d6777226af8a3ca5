package sender

import (
	"github.com/go-norm/norm"
	"github.com/go-norm/norm/internal/gf256"
	"github.com/go-norm/norm/pkg/object"
)

// buildBlock reads a block's source segments from the object's storage
// and computes its parity eagerly, realizing spec.md §4.4's "block
// recovery path that re-reads source symbols from storage and
// recomputes parity" — here run proactively at first touch rather
// than only after an eviction, since the object's Reader already gives
// random access to the full content. The resulting Block's Pending
// mask is seeded with only the source positions: parity is computed
// and cached in Segments but not scheduled for transmission until a
// repair request asks for it (buildBlock's caller marks parity
// pending separately, see markBlockRepair in nack.go).
func (s *Sender) buildBlock(tx *txObject, id norm.BlockId) (*object.Block, error) {
	n := int(tx.obj.BlockSize(id))
	nparity := int(tx.obj.NumParity)
	segSize := int(tx.obj.SegmentSize)

	blk := object.NewBlock(id, n, nparity)
	enc, err := gf256.NewEncoder(n, nparity, segSize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		buf := make([]byte, segSize)
		offset := tx.obj.SegmentOffset(id, norm.SegmentId(i))
		if _, err := tx.obj.ReadAt(offset, buf); err != nil {
			return nil, err
		}
		blk.Segments[i] = buf
		if err := enc.Encode(i, buf); err != nil {
			return nil, err
		}
	}
	if err := blk.EncodeParity(enc, n); err != nil {
		return nil, err
	}
	blk.Pending.SetRange(0, uint32(n))
	tx.obj.Blocks[id] = blk
	return blk, nil
}

// getBlock returns the block for id, building it on demand (a block
// evicted from memory, or never yet touched, looks identical to the
// caller: buildBlock transparently re-derives it from storage).
func (s *Sender) getBlock(tx *txObject, id norm.BlockId) (*object.Block, error) {
	if b, ok := tx.obj.Blocks[id]; ok {
		return b, nil
	}
	return s.buildBlock(tx, id)
}

// releaseBlockIfDone drops a fully-(re)transmitted block from memory,
// the sender-side half of spec.md's coupled buffer-reclamation scheme:
// content is not needed again until a future NACK forces buildBlock to
// recompute it.
func releaseBlockIfDone(tx *txObject, id norm.BlockId, b *object.Block) {
	if b.Pending.IsEmpty() {
		delete(tx.obj.Blocks, id)
	}
}
