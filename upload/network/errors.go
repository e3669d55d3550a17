package network

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrSessionNotFound is returned when the broker does not know the session.
var ErrSessionNotFound = errors.New("upload session not found")

// HTTPError is a non-successful broker response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// AuthorizationError is a failed upload grant request.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("request upload grant: %s", e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// TransferError is a failed chunk write to object storage.
type TransferError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer chunk: %s", e.Err)
	}
	return fmt.Sprintf("transfer chunk: upload failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}
