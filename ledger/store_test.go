package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "uploads.db"), log.NewLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := NewStore(db, log.NewLogger())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateSession_PrecreatesIncompleteChunks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "video.mp4", 12*1024*1024, 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", status.FileName)
	assert.Equal(t, int64(12*1024*1024), status.FileSize)
	assert.Equal(t, 3, status.TotalChunks)
	assert.Nil(t, status.CompletedAt)
	assert.Empty(t, status.CompletedChunks)
	assert.WithinDuration(t, time.Now(), status.CreatedAt, time.Minute)

	chunks, err := store.Chunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.False(t, c.Completed)
		assert.Nil(t, c.CompletedAt)
	}
}

func TestCreateSession_UniqueIDs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := store.CreateSession(ctx, "a.bin", 10, 1)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCreateSession_CollisionIsDistinctFailure(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.newID = func() string { return "fixed-id" }

	_, err := store.CreateSession(ctx, "a.bin", 10, 2)
	require.NoError(t, err)
	require.NoError(t, store.MarkChunkComplete(ctx, "fixed-id", 0))

	_, err = store.CreateSession(ctx, "b.bin", 20, 4)
	require.Error(t, err)

	var persistenceErr *PersistenceError
	require.True(t, errors.As(err, &persistenceErr), "got %T", err)
	assert.True(t, persistenceErr.Collision)

	// The existing session is left untouched.
	status, err := store.GetSession(ctx, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "a.bin", status.FileName)
	assert.Equal(t, 2, status.TotalChunks)
	assert.Equal(t, []int{0}, status.CompletedChunks)
}

func TestCreateSession_InvalidArguments(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		fileName    string
		fileSize    int64
		totalChunks int
	}{
		{name: "empty name", fileName: "", fileSize: 1, totalChunks: 1},
		{name: "zero size", fileName: "a", fileSize: 0, totalChunks: 1},
		{name: "zero chunks", fileName: "a", fileSize: 1, totalChunks: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateSession(ctx, tt.fileName, tt.fileSize, tt.totalChunks)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestMarkChunkComplete_Idempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }

	id, err := store.CreateSession(ctx, "a.bin", 100, 3)
	require.NoError(t, err)

	require.NoError(t, store.MarkChunkComplete(ctx, id, 1))
	store.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, store.MarkChunkComplete(ctx, id, 1))

	status, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, status.CompletedChunks)

	chunks, err := store.Chunks(ctx, id)
	require.NoError(t, err)
	require.True(t, chunks[1].Completed)
	require.NotNil(t, chunks[1].CompletedAt)
	assert.True(t, first.Equal(*chunks[1].CompletedAt), "completion time moved to %s", chunks[1].CompletedAt)
}

func TestMarkChunkComplete_UnknownPairIsNoop(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	assert.NoError(t, store.MarkChunkComplete(ctx, "missing", 0))

	id, err := store.CreateSession(ctx, "a.bin", 100, 2)
	require.NoError(t, err)
	assert.NoError(t, store.MarkChunkComplete(ctx, id, 7))

	status, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, status.CompletedChunks)
}

func TestMarkChunkComplete_Concurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "a.bin", 1000, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				if err := store.MarkChunkComplete(ctx, id, index); err != nil {
					t.Errorf("MarkChunkComplete(%d): %v", index, err)
				}
			}(i)
		}
	}
	wg.Wait()

	status, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, status.CompletedChunks)
}

func TestGetSession_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSession_RemovesChunks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, "a.bin", 100, 3)
	require.NoError(t, err)
	require.NoError(t, store.DeleteSession(ctx, id))

	_, err = store.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	chunks, err := store.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
