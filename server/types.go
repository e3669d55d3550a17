package server

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
	ChunkIndex *int   `json:"chunkIndex"`
	SessionID  string `json:"sessionId"`
}

type presignedURLResponse struct {
	PresignedURL string            `json:"presignedUrl"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type chunkCompletedRequest struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex *int   `json:"chunkIndex"`
}

type chunkCompletedResponse struct {
	Success bool `json:"success"`
}

type verifyUploadRequest struct {
	SessionID string `json:"sessionId"`
}

type verifyUploadResponse struct {
	Completed bool     `json:"completed"`
	Progress  *float64 `json:"progress,omitempty"`
}

type sessionResponse struct {
	SessionID       string     `json:"sessionId"`
	FileName        string     `json:"fileName"`
	FileSize        int64      `json:"fileSize"`
	TotalChunks     int        `json:"totalChunks"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CompletedChunks []int      `json:"completedChunks"`
}
