// Package upload drives resumable chunked uploads of local files through the upload broker.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable-upload/chunk"
	"github.com/bitrise-io/go-resumable-upload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// BrokerAPI is the upload broker as seen by the orchestrator.
type BrokerAPI interface {
	InitUpload(ctx context.Context, fileName string, fileSize int64, totalChunks int) (string, error)
	PresignedURL(ctx context.Context, sessionID, fileName string, chunkIndex int) (network.UploadGrant, error)
	ChunkCompleted(ctx context.Context, sessionID string, chunkIndex int) error
	VerifyUpload(ctx context.Context, sessionID string) (network.VerifyResult, error)
	Session(ctx context.Context, sessionID string) (network.SessionStatus, error)
}

// ChunkTransferer writes chunk bytes to object storage.
type ChunkTransferer interface {
	Transfer(ctx context.Context, grant network.UploadGrant, data []byte) error
}

// Observer receives a snapshot after every state change of a file.
// It may be called from several goroutines at once.
type Observer func(FileUploadState)

// Orchestrator owns the upload state of a set of files and runs their uploads.
type Orchestrator struct {
	config    Config
	api       BrokerAPI
	transfer  ChunkTransferer
	tracker   uploadTracker
	logger    log.Logger
	stats     *Stats
	sleep     func(ctx context.Context, d time.Duration) error
	openChunk func(path string, chunkSize int64) (chunkSource, error)

	mu       sync.RWMutex
	files    map[string]*fileEntry
	order    []string
	nextID   int
	observer Observer
}

type chunkSource interface {
	chunk.Provider
	Close() error
}

// NewOrchestrator creates an Orchestrator. tracker can be nil.
func NewOrchestrator(config Config, api BrokerAPI, transfer ChunkTransferer, tracker analytics.Tracker, logger log.Logger) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		config:   config,
		api:      api,
		transfer: transfer,
		tracker:  newUploadTracker(tracker),
		logger:   logger,
		stats:    NewStats(),
		sleep:    sleepContext,
		openChunk: func(path string, chunkSize int64) (chunkSource, error) {
			return chunk.NewFileProvider(path, chunkSize)
		},
		files: map[string]*fileEntry{},
	}, nil
}

// SetObserver registers the callback that receives state snapshots.
func (o *Orchestrator) SetObserver(observer Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = observer
}

// Stats returns the chunk statistics of this process.
func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// Add registers a local file as a pending upload and returns its id.
func (o *Orchestrator) Add(path string) (string, error) {
	return o.add(path, "")
}

// Restore registers a local file whose upload already has a broker session, for example one
// started by an earlier process. The completed chunks are read from the broker when the upload runs.
func (o *Orchestrator) Restore(path, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is empty")
	}
	return o.add(path, sessionID)
}

func (o *Orchestrator) add(path, sessionID string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%s is empty: %w", path, chunk.ErrInvalidSize)
	}

	o.mu.Lock()
	o.nextID++
	id := strconv.Itoa(o.nextID)
	entry := newFileEntry(id, path, filepath.Base(path), info.Size())
	entry.totalChunks, _ = chunk.TotalChunks(info.Size(), o.config.ChunkSize)
	if sessionID != "" {
		entry.sessionID = sessionID
		entry.status = StatusPaused
	}
	o.files[id] = entry
	o.order = append(o.order, id)
	state := entry.snapshot()
	o.mu.Unlock()

	o.notify(state)

	return id, nil
}

// Remove cancels a running upload of the file and forgets its state.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	entry, ok := o.files[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownFile
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(o.files, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.logger.Debugf("Removed %s from the upload set", entry.fileName)

	return nil
}

// Pause stops the file's upload. Chunk pipelines stop before their next authorization or transfer
// and no new window is started. The file can be resumed with Upload.
func (o *Orchestrator) Pause(id string) error {
	o.mu.Lock()
	entry, ok := o.files[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownFile
	}
	if entry.status == StatusCompleted {
		o.mu.Unlock()
		return ErrAlreadyCompleted
	}
	entry.status = StatusPaused
	if entry.cancel != nil {
		entry.cancel()
	}
	state := entry.snapshot()
	o.mu.Unlock()

	o.notify(state)

	return nil
}

// Snapshot returns a copy of the file's state.
func (o *Orchestrator) Snapshot(id string) (FileUploadState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.files[id]
	if !ok {
		return FileUploadState{}, false
	}
	return entry.snapshot(), true
}

// Snapshots returns copies of every file's state in the order the files were added.
func (o *Orchestrator) Snapshots() []FileUploadState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	states := make([]FileUploadState, 0, len(o.order))
	for _, id := range o.order {
		states = append(states, o.files[id].snapshot())
	}
	return states
}

// Upload runs (or resumes) the upload of one file and blocks until it completes, fails or is paused.
// A paused or cancelled upload returns ErrPaused.
func (o *Orchestrator) Upload(ctx context.Context, id string) error {
	return o.upload(ctx, id, "")
}

// upload starts the file only while its status is still expected. An empty expected status
// accepts any resumable status.
func (o *Orchestrator) upload(ctx context.Context, id string, expected Status) error {
	runCtx, err := o.begin(ctx, id, expected)
	if err != nil {
		return err
	}

	start := time.Now()
	err = o.run(runCtx, id)
	return o.finish(id, err, time.Since(start))
}

func (o *Orchestrator) begin(ctx context.Context, id string, expected Status) (context.Context, error) {
	o.mu.Lock()
	entry, ok := o.files[id]
	if !ok {
		o.mu.Unlock()
		return nil, ErrUnknownFile
	}
	if entry.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if entry.status == StatusCompleted {
		o.mu.Unlock()
		return nil, ErrAlreadyCompleted
	}
	if expected != "" && entry.status != expected {
		name, status := entry.fileName, entry.status
		o.mu.Unlock()
		if status == StatusPaused {
			return nil, fmt.Errorf("%s: %w", name, ErrPaused)
		}
		return nil, fmt.Errorf("%s: status changed from %s to %s", name, expected, status)
	}
	if err := ctx.Err(); err != nil {
		entry.status = StatusPaused
		name := entry.fileName
		state := entry.snapshot()
		o.mu.Unlock()
		o.notify(state)
		return nil, fmt.Errorf("%s: %w", name, ErrPaused)
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry.running = true
	entry.cancel = cancel
	entry.status = StatusUploading
	entry.errMessage = ""
	state := entry.snapshot()
	o.mu.Unlock()

	o.notify(state)

	return runCtx, nil
}

func (o *Orchestrator) finish(id string, runErr error, took time.Duration) error {
	o.mu.Lock()
	entry, ok := o.files[id]
	if !ok {
		o.mu.Unlock()
		return runErr
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.running = false
	entry.cancel = nil

	var result error
	switch {
	case runErr == nil:
		entry.status = StatusCompleted
		entry.errMessage = ""
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		entry.status = StatusPaused
		result = fmt.Errorf("%s: %w", entry.fileName, ErrPaused)
	case errors.Is(runErr, ErrIncomplete):
		entry.status = StatusError
		entry.errMessage = incompleteMessage
		result = runErr
	default:
		entry.status = StatusError
		entry.errMessage = failedMessage
		result = runErr
	}
	state := entry.snapshot()
	o.mu.Unlock()

	switch state.Status {
	case StatusCompleted:
		o.logger.Donef("Uploaded %s (%d chunks) in %s", state.FileName, state.TotalChunks, took.Round(time.Millisecond))
		o.tracker.logFileCompleted(state, took)
	case StatusPaused:
		o.logger.Infof("Paused %s at %d%%", state.FileName, state.Progress)
	default:
		o.logger.Errorf("Upload of %s failed: %s", state.FileName, runErr)
		o.tracker.logFileFailed(state, took)
	}

	o.notify(state)

	return result
}

func (o *Orchestrator) run(ctx context.Context, id string) error {
	entry, err := o.entryCopy(id)
	if err != nil {
		return err
	}

	totalChunks, err := chunk.TotalChunks(entry.fileSize, o.config.ChunkSize)
	if err != nil {
		return err
	}

	sessionID, done, err := o.acquireSession(ctx, id, entry, totalChunks)
	if err != nil || done {
		return err
	}

	source, err := o.openChunk(entry.path, o.config.ChunkSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			o.logger.Warnf("Failed to close %s: %s", entry.path, err)
		}
	}()
	if source.NumChunks() != totalChunks {
		return fmt.Errorf("%s changed size during upload: %d chunks, expected %d", entry.path, source.NumChunks(), totalChunks)
	}

	if err := o.dispatch(ctx, id, sessionID, entry.fileName, source); err != nil {
		return err
	}

	return o.verify(ctx, id, sessionID)
}

// acquireSession reuses a known session, reconciling the completed chunks from the ledger,
// or opens a new one. done is set when the ledger already reports the session completed.
func (o *Orchestrator) acquireSession(ctx context.Context, id string, entry fileEntry, totalChunks int) (string, bool, error) {
	if entry.sessionID != "" {
		status, err := o.api.Session(ctx, entry.sessionID)
		switch {
		case errors.Is(err, network.ErrSessionNotFound):
			o.logger.Warnf("Session %s of %s no longer exists, starting a new one", entry.sessionID, entry.fileName)
		case err != nil:
			return "", false, fmt.Errorf("query session %s: %w", entry.sessionID, err)
		case status.TotalChunks != totalChunks:
			o.logger.Warnf("Session %s of %s has %d chunks, expected %d, starting a new one",
				entry.sessionID, entry.fileName, status.TotalChunks, totalChunks)
		default:
			o.update(id, func(e *fileEntry) {
				e.totalChunks = totalChunks
				e.resetCompleted(status.CompletedChunks)
			})
			o.logger.Infof("Resuming %s: %d of %d chunks already uploaded", entry.fileName, len(status.CompletedChunks), totalChunks)
			return entry.sessionID, status.CompletedAt != nil, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	sessionID, err := o.api.InitUpload(ctx, entry.fileName, entry.fileSize, totalChunks)
	if err != nil {
		return "", false, err
	}

	o.update(id, func(e *fileEntry) {
		e.sessionID = sessionID
		e.totalChunks = totalChunks
		e.resetCompleted(nil)
	})
	o.logger.Infof("Started session %s for %s (%d chunks)", sessionID, entry.fileName, totalChunks)

	return sessionID, false, nil
}

// dispatch uploads the missing chunks in windows of ChunkConcurrency.
// Every window is awaited before the next one starts.
func (o *Orchestrator) dispatch(ctx context.Context, id, sessionID, fileName string, source chunk.Provider) error {
	total := source.NumChunks()
	width := o.config.ChunkConcurrency
	failed := 0

	for start := 0; start < total; start += width {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + width
		if end > total {
			end = total
		}

		var pending []int
		o.mu.RLock()
		if entry, ok := o.files[id]; ok {
			for index := start; index < end; index++ {
				if !entry.completed[index] {
					pending = append(pending, index)
				}
			}
		}
		o.mu.RUnlock()
		if len(pending) == 0 {
			continue
		}

		results := make([]error, len(pending))
		var wg sync.WaitGroup
		for i, index := range pending {
			wg.Add(1)
			go func(i, index int) {
				defer wg.Done()
				results[i] = o.uploadChunkWithRetry(ctx, id, sessionID, fileName, source, index)
			}(i, index)
		}
		wg.Wait()

		var succeeded []int
		for i, err := range results {
			if err == nil {
				succeeded = append(succeeded, pending[i])
				continue
			}
			if ctx.Err() == nil {
				failed++
			}
		}

		o.update(id, func(e *fileEntry) {
			for _, index := range succeeded {
				e.completed[index] = true
			}
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%s: %d of %d chunks: %w", fileName, failed, total, ErrChunksFailed)
	}
	return nil
}

func (o *Orchestrator) uploadChunkWithRetry(ctx context.Context, id, sessionID, fileName string, source chunk.Provider, index int) error {
	data, err := source.ReadChunk(index)
	if err != nil {
		return err
	}

	var (
		transferred bool
		lastErr     error
	)
	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.config.retryDelay(attempt - 1)
			o.update(id, func(e *fileEntry) { e.retryCount++ })
			o.logger.Warnf("Chunk %d of %s attempt %d failed: %s, retrying after %s", index, fileName, attempt, lastErr, delay)
			if err := o.sleep(ctx, delay); err != nil {
				return err
			}
		}

		o.logger.Debugf("Uploading chunk %d of %s (attempt %d/%d) [finished=%d] [avg=%v]",
			index, fileName, attempt+1, o.config.MaxRetries+1,
			o.stats.FinishedCount(), o.stats.Average().Round(time.Millisecond))

		start := time.Now()
		lastErr = o.runPipeline(ctx, sessionID, fileName, index, data, &transferred)
		if lastErr == nil {
			o.stats.Update(time.Since(start), int64(len(data)))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	o.logger.Warnf("Chunk %d of %s failed after %d attempts: %s", index, fileName, o.config.MaxRetries+1, lastErr)

	return fmt.Errorf("chunk %d: %w", index, lastErr)
}

// runPipeline authorizes, transfers and confirms one chunk. Once the transfer succeeded it is not
// repeated, only the confirmation is retried.
func (o *Orchestrator) runPipeline(ctx context.Context, sessionID, fileName string, index int, data []byte, transferred *bool) error {
	if !*transferred {
		if err := ctx.Err(); err != nil {
			return err
		}
		grant, err := o.api.PresignedURL(ctx, sessionID, fileName, index)
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.transfer.Transfer(ctx, grant, data); err != nil {
			return err
		}
		*transferred = true
	}

	return o.api.ChunkCompleted(ctx, sessionID, index)
}

// verify asks the broker to confirm the session. An incomplete answer is asked again with
// backoff; if it stays incomplete the completed chunks are reloaded from the ledger.
func (o *Orchestrator) verify(ctx context.Context, id, sessionID string) error {
	var result network.VerifyResult
	for attempt := 0; attempt < o.config.VerifyAttempts; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.config.retryDelay(attempt-1)); err != nil {
				return err
			}
		}

		var err error
		result, err = o.api.VerifyUpload(ctx, sessionID)
		if err != nil {
			return err
		}
		if result.Completed {
			return nil
		}
		o.logger.Warnf("Session %s verified at %.0f%%", sessionID, result.Progress*100)
	}

	status, err := o.api.Session(ctx, sessionID)
	if err != nil {
		o.logger.Warnf("Failed to reload completed chunks of session %s: %s", sessionID, err)
	} else {
		o.update(id, func(e *fileEntry) { e.resetCompleted(status.CompletedChunks) })
	}

	return fmt.Errorf("session %s at %.0f%%: %w", sessionID, result.Progress*100, ErrIncomplete)
}

func (o *Orchestrator) entryCopy(id string) (fileEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.files[id]
	if !ok {
		return fileEntry{}, ErrUnknownFile
	}
	return fileEntry{
		id:        entry.id,
		path:      entry.path,
		fileName:  entry.fileName,
		fileSize:  entry.fileSize,
		sessionID: entry.sessionID,
	}, nil
}

// update applies fn to the file's entry under the lock and publishes the new snapshot.
func (o *Orchestrator) update(id string, fn func(e *fileEntry)) {
	o.mu.Lock()
	entry, ok := o.files[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	fn(entry)
	state := entry.snapshot()
	o.mu.Unlock()

	o.notify(state)
}

func (o *Orchestrator) notify(state FileUploadState) {
	o.mu.RLock()
	observer := o.observer
	o.mu.RUnlock()

	if observer != nil {
		observer(state)
	}
}

func (o *Orchestrator) ids(filter func(FileUploadState) bool) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var ids []string
	for _, id := range o.order {
		if filter(o.files[id].snapshot()) {
			ids = append(ids, id)
		}
	}
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
