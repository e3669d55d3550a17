package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Transferer writes chunk bytes directly to object storage using upload grants.
type Transferer struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewTransferer creates a Transferer. A nil httpClient is replaced by DefaultHTTPClient().
func NewTransferer(httpClient *http.Client, logger log.Logger) *Transferer {
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	return &Transferer{
		httpClient: httpClient,
		logger:     logger,
	}
}

// DefaultHTTPClient creates an HTTP client suited for parallel chunk writes.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Transfer writes data to the object addressed by the grant.
func (t *Transferer) Transfer(ctx context.Context, grant UploadGrant, data []byte) error {
	method := grant.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, grant.URL, bytes.NewReader(data))
	if err != nil {
		return &TransferError{Err: fmt.Errorf("create request: %w", err)}
	}
	for k, v := range grant.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &TransferError{Err: fmt.Errorf("chunk upload cancelled: %w", ctx.Err())}
		}
		return &TransferError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransferError{StatusCode: resp.StatusCode, Body: readAllLimited(resp.Body, 1024)}
	}

	t.logger.Debugf("Stored %d bytes (ETag: %s)", len(data), resp.Header.Get("ETag"))

	return nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *Transferer) CloseIdleConnections() {
	t.httpClient.CloseIdleConnections()
}
