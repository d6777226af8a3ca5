package object

import (
	"testing"

	"github.com/go-norm/norm"
	"github.com/go-norm/norm/internal/gf256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockSizing(t *testing.T) {
	// 10 segments across 3 blocks: large=ceil(10/3)=4, largeCount=10-3*3=1,
	// small=3.
	o := New(1, KindBulk, norm.NewObjectSize(1000), 100, 8, 2, 10, 3)
	assert.EqualValues(t, 4, o.LargeBlockSize)
	assert.EqualValues(t, 1, o.LargeBlockCount)
	assert.EqualValues(t, 3, o.SmallBlockSize)
	assert.EqualValues(t, 2, o.SmallBlockCount)
	assert.EqualValues(t, 2, o.FinalBlockId)
	assert.EqualValues(t, 4, o.BlockSize(0))
	assert.EqualValues(t, 3, o.BlockSize(1))
	assert.EqualValues(t, 3, o.BlockSize(2))

	first, ok := o.Pending.FirstSet()
	require.True(t, ok)
	assert.EqualValues(t, 0, first)
	last, ok := o.Pending.LastSet()
	require.True(t, ok)
	assert.EqualValues(t, 2, last)
}

func TestInMemoryReaderWriterRoundTrip(t *testing.T) {
	buf := make([]byte, 0)
	r, w := NewInMemoryReaderWriter(buf)
	o := New(1, KindBulk, norm.NewObjectSize(5), 5, 1, 0, 1, 1)
	o.SetReaderWriter(r, w)

	n, err := o.WriteAt(0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out := make([]byte, 5)
	n, err = o.ReadAt(0, out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
}

func TestBlockPoolGetPutExhaustion(t *testing.T) {
	pool := NewBlockPool(2, 4, 2)
	assert.Equal(t, 2, pool.Available())

	b1, ok := pool.Get(10)
	require.True(t, ok)
	assert.EqualValues(t, 10, b1.Id)
	assert.Len(t, b1.Segments, 6)

	b2, ok := pool.Get(11)
	require.True(t, ok)
	assert.Equal(t, 0, pool.Available())

	_, ok = pool.Get(12)
	assert.False(t, ok)

	pool.Put(b1)
	assert.Equal(t, 1, pool.Available())
	b3, ok := pool.Get(13)
	require.True(t, ok)
	assert.EqualValues(t, 13, b3.Id)
	for _, seg := range b3.Segments {
		assert.Nil(t, seg)
	}
	_ = b2
}

func TestSegmentPoolGetPutClearsContent(t *testing.T) {
	pool := NewSegmentPool(1, 4)
	s, ok := pool.Get()
	require.True(t, ok)
	copy(s, []byte{1, 2, 3, 4})
	pool.Put(s)

	s2, ok := pool.Get()
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0}, s2)
}

func TestBlockEncodeThenDecodeRoundTrip(t *testing.T) {
	const ndata, nparity, vsize = 4, 2, 8
	b := NewBlock(0, ndata, nparity)
	data := [][]byte{
		[]byte("aaaaaaaa"),
		[]byte("bbbbbbbb"),
		[]byte("cccccccc"),
		[]byte("dddddddd"),
	}
	for i, d := range data {
		b.Segments[i] = append([]byte(nil), d...)
	}

	enc, err := gf256.NewEncoder(ndata, nparity, vsize)
	require.NoError(t, err)
	require.NoError(t, b.EncodeParity(enc, ndata))
	assert.NotZero(t, b.Flags&BlockFlagParityReady)
	assert.Equal(t, ndata, b.ParityReadiness)

	// Erase two source segments, confirm recoverability then decode.
	lost := [][]byte{b.Segments[1], b.Segments[2]}
	b.Segments[1] = nil
	b.Segments[2] = nil
	b.EraseCount = 2
	assert.True(t, b.IsRecoverable())

	dec := gf256.NewDecoder(ndata, nparity)
	require.NoError(t, b.Decode(dec, ndata, vsize))
	assert.Equal(t, lost[0], b.Segments[1])
	assert.Equal(t, lost[1], b.Segments[2])
}

func TestBlockTooManyErasuresUnrecoverable(t *testing.T) {
	b := NewBlock(0, 4, 1)
	b.EraseCount = 2
	assert.False(t, b.IsRecoverable())
}

func TestStreamStateWriteReadWraparound(t *testing.T) {
	s := newStreamState()
	s.Resize(8)

	n := s.Write([]byte("abcdef"))
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, s.Occupied())

	out := make([]byte, 4)
	n = s.Read(out)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", string(out[:n]))

	// Ring has wrapped now; write past the physical end.
	n = s.Write([]byte("ghij"))
	assert.Equal(t, 4, n)
	assert.Equal(t, 6, s.Occupied())

	rest := make([]byte, 6)
	n = s.Read(rest)
	assert.Equal(t, 6, n)
	assert.Equal(t, "efghij", string(rest[:n]))
	assert.EqualValues(t, 10, s.WriteOffset)
	assert.EqualValues(t, 10, s.ReadOffset)
}

func TestStreamStatePeekDoesNotAdvance(t *testing.T) {
	s := newStreamState()
	s.Resize(8)
	s.Write([]byte("xyz"))

	out := make([]byte, 3)
	n := s.Peek(out)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, s.Occupied())

	n = s.Read(out)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, s.Occupied())
}

func TestStreamStateIndexTracking(t *testing.T) {
	s := newStreamState()
	s.AdvanceWriteIndex(5, 2, true)
	assert.EqualValues(t, 6, s.NextId)
	assert.True(t, s.MsgStart)

	s.AdvanceReadIndex(3, 1)
	assert.EqualValues(t, 3, s.SyncId)
}
