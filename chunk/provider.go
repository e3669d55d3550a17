package chunk

import (
	"fmt"
	"io"
	"os"
)

// Provider provides chunk data for upload.
type Provider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// ReadChunk returns the bytes of the chunk at the given index.
	// It may be called multiple times for the same index when a chunk is retried.
	ReadChunk(index int) ([]byte, error)
}

// FileProvider reads chunks from a file on disk.
// Safe for parallel chunk reads.
type FileProvider struct {
	file   *os.File
	ranges []Range
}

// NewFileProvider opens path and splits it into chunks of chunkSize bytes.
func NewFileProvider(path string, chunkSize int64) (*FileProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	ranges, err := Split(info.Size(), chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("split %s: %w", path, err)
	}

	return &FileProvider{file: file, ranges: ranges}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileProvider) NumChunks() int {
	return len(p.ranges)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.ranges) {
		return 0
	}
	return p.ranges[index].Size
}

// ReadChunk reads the chunk at the given index into memory so that it can be resent on retry.
func (p *FileProvider) ReadChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.ranges) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.ranges))
	}

	r := p.ranges[index]
	data := make([]byte, r.Size)
	n, err := p.file.ReadAt(data, r.Offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if int64(n) != r.Size {
		return nil, fmt.Errorf("short read for chunk %d: got %d of %d bytes", index, n, r.Size)
	}

	return data, nil
}

// Close closes the underlying file.
func (p *FileProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
