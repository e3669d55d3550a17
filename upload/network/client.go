// Package network talks to the upload broker and writes chunks to object storage.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultControlRetryMax is the transport level retry count of session level calls.
const DefaultControlRetryMax = 3

// ClientConfig ...
type ClientConfig struct {
	BaseURL string
	// ControlRetryMax is how many times verify and session queries are retried by the transport.
	// Init and per-chunk calls are never retried here: a repeated init opens a second session
	// and the orchestrator owns the chunk retry policy.
	ControlRetryMax int
}

// Client is the broker API client.
type Client struct {
	control  *retryablehttp.Client
	pipeline *retryablehttp.Client
	baseURL  string
	logger   log.Logger
}

// NewClient creates a broker API client.
func NewClient(config ClientConfig, logger log.Logger) (*Client, error) {
	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("broker URL is empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}

	retryMax := config.ControlRetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	control := newRetryableClient(logger)
	control.RetryMax = retryMax

	pipeline := newRetryableClient(logger)
	pipeline.RetryMax = 0

	return &Client{
		control:  control,
		pipeline: pipeline,
		baseURL:  baseURL,
		logger:   logger,
	}, nil
}

// InitUpload opens a new upload session and returns its id.
func (c *Client) InitUpload(ctx context.Context, fileName string, fileSize int64, totalChunks int) (string, error) {
	var response initUploadResponse
	err := c.postJSON(ctx, c.pipeline, "/init-upload", initUploadRequest{
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: totalChunks,
	}, &response)
	if err != nil {
		return "", fmt.Errorf("init upload: %w", err)
	}
	if response.SessionID == "" {
		return "", fmt.Errorf("init upload: empty session id in response")
	}
	return response.SessionID, nil
}

// PresignedURL requests an upload grant for one chunk.
func (c *Client) PresignedURL(ctx context.Context, sessionID, fileName string, chunkIndex int) (UploadGrant, error) {
	var response presignedURLResponse
	err := c.postJSON(ctx, c.pipeline, "/presigned-url", presignedURLRequest{
		FileName:   fileName,
		ChunkIndex: chunkIndex,
		SessionID:  sessionID,
	}, &response)
	if err != nil {
		return UploadGrant{}, &AuthorizationError{Err: err}
	}
	if response.PresignedURL == "" {
		return UploadGrant{}, &AuthorizationError{Err: fmt.Errorf("empty presigned URL in response")}
	}

	method := response.Method
	if method == "" {
		method = http.MethodPut
	}

	return UploadGrant{
		URL:       response.PresignedURL,
		Method:    method,
		Headers:   response.Headers,
		ExpiresAt: response.ExpiresAt,
	}, nil
}

// ChunkCompleted notifies the broker that a chunk is stored.
func (c *Client) ChunkCompleted(ctx context.Context, sessionID string, chunkIndex int) error {
	var response chunkCompletedResponse
	err := c.postJSON(ctx, c.pipeline, "/chunk-completed", chunkCompletedRequest{
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
	}, &response)
	if err != nil {
		return fmt.Errorf("notify chunk %d completed: %w", chunkIndex, err)
	}
	if !response.Success {
		return fmt.Errorf("notify chunk %d completed: broker did not confirm", chunkIndex)
	}
	return nil
}

// VerifyUpload asks the broker to compare completed chunks with the session total.
func (c *Client) VerifyUpload(ctx context.Context, sessionID string) (VerifyResult, error) {
	var response verifyUploadResponse
	if err := c.postJSON(ctx, c.control, "/verify-upload", verifyUploadRequest{SessionID: sessionID}, &response); err != nil {
		return VerifyResult{}, fmt.Errorf("verify upload: %w", err)
	}

	result := VerifyResult{Completed: response.Completed}
	if response.Completed {
		result.Progress = 1
	} else if response.Progress != nil {
		result.Progress = *response.Progress
	}
	return result, nil
}

// Session fetches the session record. Unknown sessions yield ErrSessionNotFound.
func (c *Client) Session(ctx context.Context, sessionID string) (SessionStatus, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return SessionStatus{}, err
	}

	resp, err := c.control.Do(req)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("get session: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return SessionStatus{}, ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return SessionStatus{}, fmt.Errorf("get session: %w", unwrapError(resp))
	}

	var response SessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return SessionStatus{}, fmt.Errorf("decode session: %w", err)
	}
	return response, nil
}

func (c *Client) postJSON(ctx context.Context, client *retryablehttp.Client, path string, requestBody, responseBody interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(responseBody)
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func newRetryableClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

func readAllLimited(r io.Reader, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(bytes.TrimSpace(data))
}
