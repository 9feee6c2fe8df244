package utils

import "fmt"

// ByteRange is an inclusive byte range
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ToHeader returns http Range header value
func (r ByteRange) ToHeader() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// FileBlockHelper splits a file into blocks for segmented transfers
type FileBlockHelper struct {
	BlockSize int64
}

func NewFileBlockHelper(blockSize int64) *FileBlockHelper {
	return &FileBlockHelper{
		BlockSize: blockSize,
	}
}

// GetFirstBlock returns the first block range
func (helper *FileBlockHelper) GetFirstBlock() ByteRange {
	return ByteRange{
		Start: 0,
		End:   helper.BlockSize - 1,
	}
}

// SplitRemaining splits [offset, totalSize) into at most maxBlocks ranges of at least BlockSize bytes.
// A remainder shorter than BlockSize becomes a single range.
func (helper *FileBlockHelper) SplitRemaining(offset int64, totalSize int64, maxBlocks int) []ByteRange {
	remaining := totalSize - offset
	if remaining <= 0 || maxBlocks <= 0 {
		return []ByteRange{}
	}

	blockNum := remaining / helper.BlockSize
	if blockNum < 1 {
		blockNum = 1
	}

	if blockNum > int64(maxBlocks) {
		blockNum = int64(maxBlocks)
	}

	blockLength := remaining / blockNum
	ranges := make([]ByteRange, 0, blockNum)
	start := offset
	for i := int64(0); i < blockNum; i++ {
		end := start + blockLength - 1
		if i == blockNum-1 {
			end = totalSize - 1
		}

		ranges = append(ranges, ByteRange{
			Start: start,
			End:   end,
		})
		start = end + 1
	}

	return ranges
}
