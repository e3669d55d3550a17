// Package sessioncache caches completed upload sessions in Redis.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable-upload/ledger"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a completed session stays cached.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "upload:session:"

// SessionGetter reads a session with its completed chunks.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (ledger.SessionStatus, error)
}

// Options ...
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a redis client and checks that the server answers.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Cache is a read-through cache in front of a SessionGetter.
// Only completed sessions are stored since they no longer change.
type Cache struct {
	next   SessionGetter
	client *redis.Client
	ttl    time.Duration
	logger log.Logger
}

// New wraps next with a Redis cache.
func New(next SessionGetter, client *redis.Client, ttl time.Duration, logger log.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// GetSession returns the cached session if present, otherwise reads it from the wrapped getter.
// Redis failures are logged and never fail the read.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (ledger.SessionStatus, error) {
	key := keyPrefix + sessionID

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var status ledger.SessionStatus
		if err := json.Unmarshal(data, &status); err == nil {
			return status, nil
		}
		c.logger.Warnf("Dropping unreadable cache entry for session %s", sessionID)
		_ = c.client.Del(ctx, key).Err()
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warnf("Session cache read failed: %s", err)
	}

	status, err := c.next.GetSession(ctx, sessionID)
	if err != nil {
		return ledger.SessionStatus{}, err
	}

	if status.Completed() {
		if data, err := json.Marshal(status); err != nil {
			c.logger.Warnf("Failed to encode session %s for cache: %s", sessionID, err)
		} else if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warnf("Session cache write failed: %s", err)
		}
	}

	return status, nil
}
