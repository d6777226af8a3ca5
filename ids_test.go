package norm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectIdWrapComparison(t *testing.T) {
	a := ObjectId(0xFFFE)
	b := ObjectId(0x0001)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.EqualValues(t, 3, b.Diff(a))

	c := ObjectId(0x7FFF)
	d := ObjectId(0x8000)
	assert.True(t, c.Less(d))
}

func TestObjectIdTotalOrder(t *testing.T) {
	ids := []ObjectId{1000, 1001, 1002, 1003}
	for i := 0; i < len(ids); i++ {
		for j := 0; j < len(ids); j++ {
			lt := ids[i].Less(ids[j])
			gt := ids[i].Greater(ids[j])
			eq := ids[i].Equal(ids[j])
			count := 0
			for _, v := range []bool{lt, gt, eq} {
				if v {
					count++
				}
			}
			assert.Equal(t, 1, count, "exactly one of <,>,== holds for %d,%d", ids[i], ids[j])
		}
	}
	assert.True(t, ids[0].Less(ids[1]))
	assert.True(t, ids[1].Less(ids[2]))
	assert.True(t, ids[0].Less(ids[2]))
}

func TestObjectSizeArithmetic(t *testing.T) {
	s := NewObjectSize(10)
	o := NewObjectSize(3)
	assert.EqualValues(t, 13, s.Add(o).ToUint64())
	assert.EqualValues(t, 7, s.Sub(o).ToUint64())
	assert.EqualValues(t, 30, s.Mul(3).ToUint64())
	assert.EqualValues(t, 4, NewObjectSize(10).DivRoundUp(3).ToUint64())
	assert.EqualValues(t, 3, NewObjectSize(9).DivRoundUp(3).ToUint64())
}

func TestBlockSizing(t *testing.T) {
	// 10 segments over 3 blocks: ceil(10/3)=4 large block size
	large, largeCount, small := BlockSizing(10, 3)
	assert.EqualValues(t, 4, large)
	assert.EqualValues(t, 3, small)
	assert.EqualValues(t, 1, largeCount)

	// exact multiple
	large, largeCount, small = BlockSizing(9, 3)
	assert.EqualValues(t, 3, large)
	assert.EqualValues(t, 3, small)
	assert.EqualValues(t, 3, largeCount)
}
