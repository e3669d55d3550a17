package upload

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable-upload/chunk"
)

// Config holds the tuning knobs of the orchestrator and the batch controller.
type Config struct {
	// ChunkSize is the size of every chunk except the last one of a file.
	// Default: 5 MiB
	ChunkSize int64

	// ChunkConcurrency is the width of a dispatch window: the number of chunk pipelines
	// of one file that run in parallel.
	// Default: 3
	ChunkConcurrency int

	// FileConcurrency is the number of files the batch controller uploads in parallel.
	// Default: 3
	FileConcurrency int

	// MaxRetries is the number of additional attempts of a failing chunk pipeline.
	// Default: 5
	MaxRetries int

	// InitialDelay is the wait before the first retry; it doubles for every further retry.
	// Default: 1 second
	InitialDelay time.Duration

	// VerifyAttempts is how many times an incomplete verification is asked again before giving up.
	// Default: 3
	VerifyAttempts int

	// MaxFiles limits the number of files in a batch.
	// Default: 20000
	MaxFiles int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        chunk.DefaultChunkSize,
		ChunkConcurrency: 3,
		FileConcurrency:  3,
		MaxRetries:       5,
		InitialDelay:     time.Second,
		VerifyAttempts:   3,
		MaxFiles:         20000,
	}
}

// Validate checks that every limit is usable.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkConcurrency < 1 {
		return fmt.Errorf("chunk concurrency must be at least 1, got %d", c.ChunkConcurrency)
	}
	if c.FileConcurrency < 1 {
		return fmt.Errorf("file concurrency must be at least 1, got %d", c.FileConcurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial delay must not be negative, got %s", c.InitialDelay)
	}
	if c.VerifyAttempts < 1 {
		return fmt.Errorf("verify attempts must be at least 1, got %d", c.VerifyAttempts)
	}
	if c.MaxFiles < 1 {
		return fmt.Errorf("max files must be at least 1, got %d", c.MaxFiles)
	}
	return nil
}

// retryDelay returns the wait before retry number retry (0 based): InitialDelay * 2^retry.
func (c Config) retryDelay(retry int) time.Duration {
	return c.InitialDelay << uint(retry)
}
