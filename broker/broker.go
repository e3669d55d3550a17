// Package broker issues time-bounded upload grants for single chunk objects.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultGrantTTL is how long an issued grant stays valid.
const DefaultGrantTTL = time.Hour

// ErrInvalidRequest is returned when a grant is requested for an impossible (session, chunk) pair.
var ErrInvalidRequest = errors.New("invalid grant request")

// SignedRequest is a presigned single-object write.
type SignedRequest struct {
	URL    string
	Method string
	Header http.Header
}

// Signer presigns a write of one object key.
type Signer interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (SignedRequest, error)
}

// Grant authorizes one direct write of a chunk to object storage.
type Grant struct {
	URL       string
	Method    string
	Key       string
	Headers   map[string]string
	ExpiresAt time.Time
}

// AuthorizationFailure wraps a failed signing call.
type AuthorizationFailure struct {
	Key string
	// Code is the storage service error code, if the failure came from the service.
	Code string
	Err  error
}

func (e *AuthorizationFailure) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authorize upload of %s: %s: %s", e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("authorize upload of %s: %s", e.Key, e.Err)
}

func (e *AuthorizationFailure) Unwrap() error {
	return e.Err
}

// ObjectKey returns the storage key of a chunk: {sessionID}/{fileName}.part{chunkIndex}.
func ObjectKey(sessionID, fileName string, chunkIndex int) string {
	return fmt.Sprintf("%s/%s.part%d", sessionID, fileName, chunkIndex)
}

// Broker issues upload grants. It keeps no state between calls.
type Broker struct {
	signer Signer
	ttl    time.Duration
	logger log.Logger
	now    func() time.Time
}

// New creates a Broker. A non-positive ttl falls back to DefaultGrantTTL.
func New(signer Signer, ttl time.Duration, logger log.Logger) *Broker {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Broker{
		signer: signer,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// IssueUploadGrant presigns a write for the object of the given chunk.
func (b *Broker) IssueUploadGrant(ctx context.Context, sessionID, fileName string, chunkIndex int) (Grant, error) {
	if sessionID == "" || fileName == "" {
		return Grant{}, fmt.Errorf("session id and file name are required: %w", ErrInvalidRequest)
	}
	if chunkIndex < 0 {
		return Grant{}, fmt.Errorf("chunk index %d: %w", chunkIndex, ErrInvalidRequest)
	}

	key := ObjectKey(sessionID, fileName, chunkIndex)
	issuedAt := b.now()

	signed, err := b.signer.PresignPut(ctx, key, b.ttl)
	if err != nil {
		failure := &AuthorizationFailure{Key: key, Err: err}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			failure.Code = apiErr.ErrorCode()
		}
		return Grant{}, failure
	}

	headers := make(map[string]string, len(signed.Header))
	for k := range signed.Header {
		if k == "Host" {
			continue
		}
		headers[k] = signed.Header.Get(k)
	}

	b.logger.Debugf("Issued upload grant for %s (expires in %s)", key, b.ttl)

	return Grant{
		URL:       signed.URL,
		Method:    signed.Method,
		Key:       key,
		Headers:   headers,
		ExpiresAt: issuedAt.Add(b.ttl),
	}, nil
}
