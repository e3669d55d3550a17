// Package ledger is the persistent record of upload sessions and per-chunk completion.
package ledger

import "time"

// Session is one file's chunked upload attempt.
type Session struct {
	ID          string     `json:"sessionId"`
	FileName    string     `json:"fileName"`
	FileSize    int64      `json:"fileSize"`
	TotalChunks int        `json:"totalChunks"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Completed reports whether the session was stamped by Verify.
func (s Session) Completed() bool {
	return s.CompletedAt != nil
}

// ChunkRecord is the completion flag of one chunk of a session.
type ChunkRecord struct {
	SessionID   string
	ChunkIndex  int
	Completed   bool
	CompletedAt *time.Time
}

// SessionStatus is a session together with the sorted indices of its completed chunks.
type SessionStatus struct {
	Session
	CompletedChunks []int `json:"completedChunks"`
}

// VerifyResult is the outcome of comparing completed chunks to the session total.
type VerifyResult struct {
	Completed bool
	// Progress is completedCount / totalChunks, in [0, 1].
	Progress float64
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
