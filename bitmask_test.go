package norm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingMaskSetTestRange(t *testing.T) {
	m := NewSlidingMask(64)
	require.True(t, m.SetRange(5, 10))
	for j := uint32(5); j < 15; j++ {
		assert.True(t, m.Test(j), "index %d should be set", j)
	}
	assert.False(t, m.Test(4))
	assert.False(t, m.Test(15))

	// preserves bits outside the range
	require.True(t, m.Set(30))
	require.True(t, m.SetRange(5, 10))
	assert.True(t, m.Test(30))
}

func TestSlidingMaskFirstSetRoundTrip(t *testing.T) {
	m := NewSlidingMask(32)
	require.True(t, m.Set(3))
	first, ok := m.FirstSet()
	require.True(t, ok)
	assert.EqualValues(t, 3, first)

	require.True(t, m.Unset(3))
	_, ok = m.FirstSet()
	assert.False(t, ok, "mask should be empty after unsetting its only bit")
}

func TestSlidingMaskUnsetAdvancesWindow(t *testing.T) {
	m := NewSlidingMask(16)
	require.True(t, m.Set(0))
	require.True(t, m.Set(5))
	require.True(t, m.Unset(0))
	// offset should now track the next set bit
	first, ok := m.FirstSet()
	require.True(t, ok)
	assert.EqualValues(t, 5, first)
	assert.True(t, m.Test(5))
}

func TestSlidingMaskOutOfWindowSetFails(t *testing.T) {
	m := NewSlidingMask(8)
	m.SetOffset(100)
	assert.False(t, m.Set(50), "idx far in the past beyond capacity must fail")
	assert.False(t, m.Set(200), "idx ahead of window must fail until window advances")
	assert.True(t, m.Set(100))
}

func TestSlidingMaskSetShiftsWindowEarlier(t *testing.T) {
	m := NewSlidingMask(16)
	m.SetOffset(10)
	require.True(t, m.Set(12))
	// set an index 3 before the window start, still within capacity
	require.True(t, m.Set(7))
	assert.EqualValues(t, 7, m.Offset())
	assert.True(t, m.Test(7))
	assert.True(t, m.Test(12))
}

func TestSlidingMaskNextPrevSet(t *testing.T) {
	m := NewSlidingMask(32)
	require.True(t, m.Set(2))
	require.True(t, m.Set(9))
	require.True(t, m.Set(20))

	n, ok := m.NextSet(3)
	require.True(t, ok)
	assert.EqualValues(t, 9, n)

	p, ok := m.PrevSet(15)
	require.True(t, ok)
	assert.EqualValues(t, 9, p)

	last, ok := m.LastSet()
	require.True(t, ok)
	assert.EqualValues(t, 20, last)
}

func TestSlidingMaskBitwiseOps(t *testing.T) {
	a := NewSlidingMask(16)
	b := NewSlidingMask(16)
	require.True(t, a.SetRange(0, 4))
	require.True(t, b.SetRange(2, 4))

	and := NewSlidingMask(16)
	require.True(t, and.Or(a))
	require.True(t, and.And(b))
	assert.True(t, and.Test(2))
	assert.True(t, and.Test(3))
	assert.False(t, and.Test(0))
	assert.False(t, and.Test(5))

	xor := NewSlidingMask(16)
	require.True(t, xor.Or(a))
	require.True(t, xor.Xor(b))
	assert.True(t, xor.Test(0))
	assert.True(t, xor.Test(1))
	assert.True(t, xor.Test(4))
	assert.True(t, xor.Test(5))
	assert.False(t, xor.Test(2))
	assert.False(t, xor.Test(3))
}
