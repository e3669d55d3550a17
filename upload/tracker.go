package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) uploadTracker {
	return uploadTracker{tracker: tracker}
}

func (t uploadTracker) logFileCompleted(state FileUploadState, uploadTime time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": state.FileSize,
		"chunk_count":       state.TotalChunks,
		"retry_count":       state.RetryCount,
	}
	t.tracker.Enqueue("resumable_upload_file_completed", properties)
}

func (t uploadTracker) logFileFailed(state FileUploadState, uploadTime time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":         uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes":     state.FileSize,
		"chunk_count":           state.TotalChunks,
		"completed_chunk_count": len(state.CompletedChunks),
		"retry_count":           state.RetryCount,
	}
	t.tracker.Enqueue("resumable_upload_file_failed", properties)
}

func (t uploadTracker) logBatchFinished(overview Overview, took time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"batch_time_s":    took.Truncate(time.Second).Seconds(),
		"total_files":     overview.TotalFiles,
		"completed_files": overview.CompletedFiles,
		"failed_files":    overview.FailedFiles,
		"total_size":      overview.TotalSize,
	}
	t.tracker.Enqueue("resumable_upload_batch_finished", properties)
}

func (t uploadTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
