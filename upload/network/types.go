package network

import "time"

type initUploadRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

type initUploadResponse struct {
	SessionID string `json:"sessionId"`
}

type presignedURLRequest struct {
	FileName   string `json:"fileName"`
	ChunkIndex int    `json:"chunkIndex"`
	SessionID  string `json:"sessionId"`
}

type presignedURLResponse struct {
	PresignedURL string            `json:"presignedUrl"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type chunkCompletedRequest struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex"`
}

type chunkCompletedResponse struct {
	Success bool `json:"success"`
}

type verifyUploadRequest struct {
	SessionID string `json:"sessionId"`
}

type verifyUploadResponse struct {
	Completed bool     `json:"completed"`
	Progress  *float64 `json:"progress"`
}

// UploadGrant is a presigned write of one chunk object.
type UploadGrant struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// VerifyResult is the broker's verification answer.
type VerifyResult struct {
	Completed bool
	// Progress is the completed share of chunks in [0, 1], reported only for incomplete sessions.
	Progress float64
}

// SessionStatus is a session record with its completed chunk indices.
type SessionStatus struct {
	SessionID       string     `json:"sessionId"`
	FileName        string     `json:"fileName"`
	FileSize        int64      `json:"fileSize"`
	TotalChunks     int        `json:"totalChunks"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CompletedChunks []int      `json:"completedChunks"`
}
