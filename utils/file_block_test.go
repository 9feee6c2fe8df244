package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileBlockHelper(t *testing.T) {
	t.Run("first block", testFirstBlock)
	t.Run("split remaining", testSplitRemaining)
	t.Run("split short remainder", testSplitShortRemainder)
	t.Run("split nothing", testSplitNothing)
}

func testFirstBlock(t *testing.T) {
	helper := NewFileBlockHelper(32 * 1024)
	first := helper.GetFirstBlock()

	assert.Equal(t, int64(0), first.Start)
	assert.Equal(t, int64(32*1024-1), first.End)
	assert.Equal(t, "bytes=0-32767", first.ToHeader())
}

func testSplitRemaining(t *testing.T) {
	helper := NewFileBlockHelper(100)
	ranges := helper.SplitRemaining(100, 1000, 3)

	assert.Len(t, ranges, 3)
	assert.Equal(t, int64(100), ranges[0].Start)
	assert.Equal(t, int64(999), ranges[2].End)

	var total int64
	for i, r := range ranges {
		total += r.Length()
		if i > 0 {
			assert.Equal(t, ranges[i-1].End+1, r.Start)
		}
	}
	assert.Equal(t, int64(900), total)
}

func testSplitShortRemainder(t *testing.T) {
	helper := NewFileBlockHelper(100)
	ranges := helper.SplitRemaining(100, 150, 3)

	assert.Equal(t, []ByteRange{{Start: 100, End: 149}}, ranges)
}

func testSplitNothing(t *testing.T) {
	helper := NewFileBlockHelper(100)

	assert.Empty(t, helper.SplitRemaining(100, 100, 3))
	assert.Empty(t, helper.SplitRemaining(0, 100, 0))
}
