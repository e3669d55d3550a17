package upload

import (
	"math"
	"sort"
)

// Status is the lifecycle state of one file upload.
type Status string

// Upload states.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusPaused    Status = "paused"
)

// Resumable reports whether an upload in this state can be (re)started.
func (s Status) Resumable() bool {
	return s == StatusPending || s == StatusError || s == StatusPaused
}

// FileUploadState is a point in time copy of one file's upload state.
type FileUploadState struct {
	ID       string
	Path     string
	FileName string
	FileSize int64
	// TotalChunks is 0 until the file is chunked.
	TotalChunks int
	// Progress is round(100 * completed chunks / total chunks).
	Progress        int
	Status          Status
	SessionID       string
	CompletedChunks []int
	// RetryCount is the number of chunk pipeline retries performed for this file.
	RetryCount int
	// Error is a generic message of the last failure.
	Error string
}

// fileEntry is the orchestrator owned, mutable record behind a FileUploadState.
type fileEntry struct {
	id          string
	path        string
	fileName    string
	fileSize    int64
	totalChunks int
	status      Status
	sessionID   string
	completed   map[int]bool
	retryCount  int
	errMessage  string

	running bool
	cancel  func()
}

func newFileEntry(id, path, fileName string, fileSize int64) *fileEntry {
	return &fileEntry{
		id:        id,
		path:      path,
		fileName:  fileName,
		fileSize:  fileSize,
		status:    StatusPending,
		completed: map[int]bool{},
	}
}

func (e *fileEntry) progress() int {
	return progressPercent(len(e.completed), e.totalChunks)
}

func (e *fileEntry) snapshot() FileUploadState {
	completed := make([]int, 0, len(e.completed))
	for index := range e.completed {
		completed = append(completed, index)
	}
	sort.Ints(completed)

	return FileUploadState{
		ID:              e.id,
		Path:            e.path,
		FileName:        e.fileName,
		FileSize:        e.fileSize,
		TotalChunks:     e.totalChunks,
		Progress:        e.progress(),
		Status:          e.status,
		SessionID:       e.sessionID,
		CompletedChunks: completed,
		RetryCount:      e.retryCount,
		Error:           e.errMessage,
	}
}

func (e *fileEntry) resetCompleted(indices []int) {
	e.completed = make(map[int]bool, len(indices))
	for _, index := range indices {
		if index >= 0 && (e.totalChunks == 0 || index < e.totalChunks) {
			e.completed[index] = true
		}
	}
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}
