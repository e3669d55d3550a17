// Package server exposes the session ledger and the authorization broker over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-resumable-upload/broker"
	"github.com/bitrise-io/go-resumable-upload/ledger"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
)

// SessionLedger records sessions and chunk completion.
type SessionLedger interface {
	CreateSession(ctx context.Context, fileName string, fileSize int64, totalChunks int) (string, error)
	MarkChunkComplete(ctx context.Context, sessionID string, chunkIndex int) error
	Verify(ctx context.Context, sessionID string) (ledger.VerifyResult, error)
}

// SessionReader reads a session with its completed chunks.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (ledger.SessionStatus, error)
}

// GrantIssuer issues upload grants for single chunks.
type GrantIssuer interface {
	IssueUploadGrant(ctx context.Context, sessionID, fileName string, chunkIndex int) (broker.Grant, error)
}

// Handler wires the upload protocol routes to the ledger and the broker.
type Handler struct {
	ledger   SessionLedger
	sessions SessionReader
	grants   GrantIssuer
	logger   log.Logger
}

// NewHandler constructs a Handler. sessions may be a cache in front of the ledger.
func NewHandler(ledger SessionLedger, sessions SessionReader, grants GrantIssuer, logger log.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		sessions: sessions,
		grants:   grants,
		logger:   logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/init-upload", h.initUpload)
	router.POST("/presigned-url", h.presignedURL)
	router.POST("/chunk-completed", h.chunkCompleted)
	router.POST("/verify-upload", h.verifyUpload)
	router.GET("/session/:sessionId", h.getSession)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// NewRouter returns the complete HTTP handler: routes, CORS headers and response compression.
func NewRouter(h *Handler) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), cors())
	h.RegisterRoutes(router)
	return gzhttp.GzipHandler(router)
}

func (h *Handler) initUpload(c *gin.Context) {
	var req initUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "init upload", fmt.Errorf("decode request: %w", err))
		return
	}

	sessionID, err := h.ledger.CreateSession(c.Request.Context(), req.FileName, req.FileSize, req.TotalChunks)
	if err != nil {
		h.fail(c, "init upload", err)
		return
	}

	h.logger.Infof("Upload session %s started for %s (%d chunks)", sessionID, req.FileName, req.TotalChunks)
	c.JSON(http.StatusOK, initUploadResponse{SessionID: sessionID})
}

func (h *Handler) presignedURL(c *gin.Context) {
	var req presignedURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "presigned url", fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ChunkIndex == nil {
		h.fail(c, "presigned url", errors.New("chunkIndex is required"))
		return
	}

	grant, err := h.grants.IssueUploadGrant(c.Request.Context(), req.SessionID, req.FileName, *req.ChunkIndex)
	if err != nil {
		h.fail(c, "presigned url", err)
		return
	}

	c.JSON(http.StatusOK, presignedURLResponse{
		PresignedURL: grant.URL,
		Method:       grant.Method,
		Headers:      grant.Headers,
		ExpiresAt:    grant.ExpiresAt,
	})
}

func (h *Handler) chunkCompleted(c *gin.Context) {
	var req chunkCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "chunk completed", fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ChunkIndex == nil {
		h.fail(c, "chunk completed", errors.New("chunkIndex is required"))
		return
	}

	if err := h.ledger.MarkChunkComplete(c.Request.Context(), req.SessionID, *req.ChunkIndex); err != nil {
		h.fail(c, "chunk completed", err)
		return
	}

	c.JSON(http.StatusOK, chunkCompletedResponse{Success: true})
}

func (h *Handler) verifyUpload(c *gin.Context) {
	var req verifyUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "verify upload", fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := h.ledger.Verify(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, "verify upload", err)
		return
	}

	if result.Completed {
		h.logger.Donef("Upload session %s completed", req.SessionID)
		c.JSON(http.StatusOK, verifyUploadResponse{Completed: true})
		return
	}

	progress := result.Progress
	c.JSON(http.StatusOK, verifyUploadResponse{Completed: false, Progress: &progress})
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	status, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.fail(c, "get session", err)
		return
	}

	completed := status.CompletedChunks
	if completed == nil {
		completed = []int{}
	}
	c.JSON(http.StatusOK, sessionResponse{
		SessionID:       status.ID,
		FileName:        status.FileName,
		FileSize:        status.FileSize,
		TotalChunks:     status.TotalChunks,
		CreatedAt:       status.CreatedAt,
		CompletedAt:     status.CompletedAt,
		CompletedChunks: completed,
	})
}

// fail logs the cause and answers with a generic 500.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	h.logger.Errorf("%s failed: %s", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to %s", op)})
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
