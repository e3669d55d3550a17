// Package chunk splits files into fixed-size byte ranges and serves the bytes of each range.
package chunk

import (
	"errors"
	"fmt"
)

// DefaultChunkSize is the size of every chunk except possibly the last one.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// ErrInvalidSize is returned for zero or negative file and chunk sizes.
var ErrInvalidSize = errors.New("size must be positive")

// Range is a contiguous byte range of a file.
type Range struct {
	Index  int
	Offset int64
	Size   int64
}

// End returns the offset one past the last byte of the range.
func (r Range) End() int64 {
	return r.Offset + r.Size
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) (int, error) {
	if err := validate(fileSize, chunkSize); err != nil {
		return 0, err
	}
	return int((fileSize + chunkSize - 1) / chunkSize), nil
}

// Split maps a file of fileSize bytes to its ordered chunk ranges.
// The ranges partition [0, fileSize) and only the last one may be shorter than chunkSize.
func Split(fileSize, chunkSize int64) ([]Range, error) {
	total, err := TotalChunks(fileSize, chunkSize)
	if err != nil {
		return nil, err
	}

	ranges := make([]Range, total)
	for i := 0; i < total; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		ranges[i] = Range{Index: i, Offset: offset, Size: size}
	}

	return ranges, nil
}

func validate(fileSize, chunkSize int64) error {
	if fileSize <= 0 {
		return fmt.Errorf("file size %d: %w", fileSize, ErrInvalidSize)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size %d: %w", chunkSize, ErrInvalidSize)
	}
	return nil
}
