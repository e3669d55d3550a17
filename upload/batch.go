package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Overview summarizes the state of every file of a batch.
type Overview struct {
	TotalFiles     int
	CompletedFiles int
	FailedFiles    int
	UploadingFiles int
	PausedFiles    int
	TotalSize      int64
	// UploadedSize is the byte size of the completed chunks.
	UploadedSize int64
}

// Batch uploads many files through one Orchestrator, FileConcurrency files at a time.
type Batch struct {
	orchestrator *Orchestrator
	logger       log.Logger

	// addMu serializes Add so the MaxFiles check and the adds are atomic.
	addMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewBatch creates a Batch on top of orchestrator.
func NewBatch(orchestrator *Orchestrator, logger log.Logger) *Batch {
	return &Batch{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// Add registers local files and returns their ids in the same order.
// Nothing is added when the batch would grow beyond MaxFiles.
func (b *Batch) Add(paths ...string) ([]string, error) {
	b.addMu.Lock()
	defer b.addMu.Unlock()

	current := len(b.orchestrator.Snapshots())
	if limit := b.orchestrator.config.MaxFiles; current+len(paths) > limit {
		return nil, fmt.Errorf("%d files already added, adding %d more exceeds the limit of %d: %w",
			current, len(paths), limit, ErrTooManyFiles)
	}

	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		id, err := b.orchestrator.Add(path)
		if err != nil {
			for _, added := range ids {
				if err := b.orchestrator.Remove(added); err != nil {
					b.logger.Warnf("Failed to roll back %s: %s", added, err)
				}
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Remove drops a file from the batch, cancelling its upload if it runs.
func (b *Batch) Remove(id string) error {
	return b.orchestrator.Remove(id)
}

// PauseAll pauses every file that is not completed yet. Files of a running batch that
// have not started are not started anymore.
func (b *Batch) PauseAll() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	ids := b.orchestrator.ids(func(state FileUploadState) bool {
		return state.Status != StatusCompleted
	})
	for _, id := range ids {
		if err := b.orchestrator.Pause(id); err != nil && !errors.Is(err, ErrAlreadyCompleted) && !errors.Is(err, ErrUnknownFile) {
			b.logger.Warnf("Failed to pause %s: %s", id, err)
		}
	}
}

// Run uploads every pending, failed or paused file. Files are processed in groups of
// FileConcurrency and every group finishes before the next one starts.
// It returns an error when at least one file did not complete.
func (b *Batch) Run(ctx context.Context) (Overview, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return Overview{}, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		cancel()
		b.mu.Lock()
		b.running = false
		b.cancel = nil
		b.mu.Unlock()
	}()

	selected := map[string]Status{}
	ids := b.orchestrator.ids(func(state FileUploadState) bool {
		if !state.Status.Resumable() {
			return false
		}
		selected[state.ID] = state.Status
		return true
	})
	width := b.orchestrator.config.FileConcurrency

	b.logger.Infof("Uploading %d files, %d at a time", len(ids), width)
	start := time.Now()

	var failed, paused int
	for groupStart := 0; groupStart < len(ids); groupStart += width {
		if ctx.Err() != nil {
			paused += len(ids) - groupStart
			break
		}

		groupEnd := groupStart + width
		if groupEnd > len(ids) {
			groupEnd = len(ids)
		}
		group := ids[groupStart:groupEnd]

		results := make([]error, len(group))
		var wg sync.WaitGroup
		for i, id := range group {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				// A file paused while it waited for its group keeps its paused status.
				results[i] = b.orchestrator.upload(ctx, id, selected[id])
			}(i, id)
		}
		wg.Wait()

		for _, err := range results {
			switch {
			case err == nil, errors.Is(err, ErrUnknownFile), errors.Is(err, ErrAlreadyCompleted):
			case errors.Is(err, ErrPaused):
				paused++
			default:
				failed++
			}
		}
	}

	overview := b.Overview()
	took := time.Since(start)
	b.logger.Printf("Batch finished in %s: %d/%d files completed, %d failed", took.Round(time.Millisecond),
		overview.CompletedFiles, overview.TotalFiles, overview.FailedFiles)
	b.orchestrator.tracker.logBatchFinished(overview, took)
	b.orchestrator.tracker.wait()

	switch {
	case failed > 0:
		return overview, fmt.Errorf("%d files failed to upload", failed)
	case paused > 0:
		return overview, fmt.Errorf("%d files not finished: %w", paused, ErrPaused)
	}
	return overview, nil
}

// Overview summarizes the current state of the batch.
func (b *Batch) Overview() Overview {
	chunkSize := b.orchestrator.config.ChunkSize

	var overview Overview
	for _, state := range b.orchestrator.Snapshots() {
		overview.TotalFiles++
		overview.TotalSize += state.FileSize
		for _, index := range state.CompletedChunks {
			overview.UploadedSize += chunkBytes(state.FileSize, chunkSize, index)
		}

		switch state.Status {
		case StatusCompleted:
			overview.CompletedFiles++
		case StatusError:
			overview.FailedFiles++
		case StatusUploading:
			overview.UploadingFiles++
		case StatusPaused:
			overview.PausedFiles++
		}
	}
	return overview
}

func chunkBytes(fileSize, chunkSize int64, index int) int64 {
	offset := int64(index) * chunkSize
	if offset >= fileSize {
		return 0
	}
	if remaining := fileSize - offset; remaining < chunkSize {
		return remaining
	}
	return chunkSize
}
