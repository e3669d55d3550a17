package upload

import "errors"

var (
	// ErrPaused is returned by an upload that stopped because it was paused or its context ended.
	ErrPaused = errors.New("upload paused")
	// ErrIncomplete is returned when the broker still reports missing chunks after all chunks were sent.
	ErrIncomplete = errors.New("upload incomplete")
	// ErrChunksFailed is returned when at least one chunk exhausted its retries.
	ErrChunksFailed = errors.New("chunk upload failed after retries")
	// ErrUnknownFile is returned for file ids that are not part of the orchestrator.
	ErrUnknownFile = errors.New("unknown file")
	// ErrAlreadyRunning is returned when an upload of the same file is in progress.
	ErrAlreadyRunning = errors.New("upload already running")
	// ErrAlreadyCompleted is returned when a completed file is started again.
	ErrAlreadyCompleted = errors.New("upload already completed")
	// ErrTooManyFiles is returned when adding files would exceed the batch limit.
	ErrTooManyFiles = errors.New("too many files")
)

const (
	failedMessage     = "Upload failed"
	incompleteMessage = "Upload incomplete, resume to send the missing chunks"
)
