package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable-upload/upload/network"
)

var errInjected = errors.New("injected failure")

type fakeSession struct {
	fileName    string
	fileSize    int64
	totalChunks int
	completed   map[int]bool
	completedAt *time.Time
}

// fakeBroker is an in-memory broker and object store. The hooks inject failures per call.
type fakeBroker struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	objects  map[string][]byte
	nextID   int

	presignCalls  map[int]int
	transferCalls map[int]int
	notifyCalls   map[int]int
	verifyCalls   int
	initCalls     int

	presignHook  func(index, call int) error
	transferHook func(ctx context.Context, index, call int) error
	notifyHook   func(index, call int) error
	verifyHook   func(call int) (network.VerifyResult, bool)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		sessions:      map[string]*fakeSession{},
		objects:       map[string][]byte{},
		presignCalls:  map[int]int{},
		transferCalls: map[int]int{},
		notifyCalls:   map[int]int{},
	}
}

func (b *fakeBroker) InitUpload(_ context.Context, fileName string, fileSize int64, totalChunks int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initCalls++
	b.nextID++
	id := fmt.Sprintf("session-%d", b.nextID)
	b.sessions[id] = &fakeSession{
		fileName:    fileName,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		completed:   map[int]bool{},
	}
	return id, nil
}

func (b *fakeBroker) PresignedURL(_ context.Context, sessionID, fileName string, chunkIndex int) (network.UploadGrant, error) {
	b.mu.Lock()
	b.presignCalls[chunkIndex]++
	call := b.presignCalls[chunkIndex]
	hook := b.presignHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(chunkIndex, call); err != nil {
			return network.UploadGrant{}, &network.AuthorizationError{Err: err}
		}
	}
	return network.UploadGrant{
		URL:    fmt.Sprintf("%s/%s.part%d", sessionID, fileName, chunkIndex),
		Method: "PUT",
	}, nil
}

func (b *fakeBroker) Transfer(ctx context.Context, grant network.UploadGrant, data []byte) error {
	var index int
	if _, err := fmt.Sscanf(grant.URL[len(grant.URL)-countDigits(grant.URL):], "%d", &index); err != nil {
		return err
	}

	b.mu.Lock()
	b.transferCalls[index]++
	call := b.transferCalls[index]
	hook := b.transferHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, index, call); err != nil {
			return &network.TransferError{Err: err}
		}
	}

	b.mu.Lock()
	b.objects[grant.URL] = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) ChunkCompleted(_ context.Context, sessionID string, chunkIndex int) error {
	b.mu.Lock()
	b.notifyCalls[chunkIndex]++
	call := b.notifyCalls[chunkIndex]
	hook := b.notifyHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(chunkIndex, call); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if session, ok := b.sessions[sessionID]; ok && chunkIndex >= 0 && chunkIndex < session.totalChunks {
		session.completed[chunkIndex] = true
	}
	return nil
}

func (b *fakeBroker) VerifyUpload(_ context.Context, sessionID string) (network.VerifyResult, error) {
	b.mu.Lock()
	b.verifyCalls++
	call := b.verifyCalls
	hook := b.verifyHook
	b.mu.Unlock()

	if hook != nil {
		if result, ok := hook(call); ok {
			return result, nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return network.VerifyResult{}, network.ErrSessionNotFound
	}
	if len(session.completed) == session.totalChunks {
		if session.completedAt == nil {
			now := time.Now()
			session.completedAt = &now
		}
		return network.VerifyResult{Completed: true}, nil
	}
	return network.VerifyResult{Progress: float64(len(session.completed)) / float64(session.totalChunks)}, nil
}

func (b *fakeBroker) Session(_ context.Context, sessionID string) (network.SessionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[sessionID]
	if !ok {
		return network.SessionStatus{}, network.ErrSessionNotFound
	}
	completed := make([]int, 0, len(session.completed))
	for index := range session.completed {
		completed = append(completed, index)
	}
	sort.Ints(completed)
	return network.SessionStatus{
		SessionID:       sessionID,
		FileName:        session.fileName,
		FileSize:        session.fileSize,
		TotalChunks:     session.totalChunks,
		CompletedAt:     session.completedAt,
		CompletedChunks: completed,
	}, nil
}

func (b *fakeBroker) transfers(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transferCalls[index]
}

func (b *fakeBroker) totalTransfers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.transferCalls {
		total += n
	}
	return total
}

func (b *fakeBroker) markCompleted(sessionID string, indices ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, index := range indices {
		b.sessions[sessionID].completed[index] = true
	}
}

func countDigits(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] >= '0' && s[i] <= '9'; i-- {
		n++
	}
	return n
}

// recordingSleeper replaces the orchestrator's sleep and records the requested delays.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func writeTestFile(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
