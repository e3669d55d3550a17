package ledger

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Sweeper defaults.
const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
	defaultSweepBatch    = 100
)

// ObjectPurger removes the stored chunk objects of a session.
type ObjectPurger interface {
	PurgeSession(ctx context.Context, sessionID string) error
}

// SweeperConfig controls the retention of abandoned sessions.
type SweeperConfig struct {
	// Retention is how long an incomplete session is kept after creation.
	Retention time.Duration
	// Interval is the time between two sweeps.
	Interval time.Duration
	// BatchSize limits how many sessions are removed per query.
	BatchSize int
}

// Sweeper deletes sessions that were never completed within the retention period.
type Sweeper struct {
	store  *Store
	purger ObjectPurger
	config SweeperConfig
	logger log.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper. purger can be nil, in which case only the ledger rows are removed.
func NewSweeper(store *Store, purger ObjectPurger, config SweeperConfig, logger log.Logger) *Sweeper {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultSweepBatch
	}
	return &Sweeper{
		store:  store,
		purger: purger,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs the sweep loop in a new goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Errorf("Session sweep failed: %s", err)
			}
		}
	}
}

// SweepOnce removes every expired session and returns how many were deleted.
// A session whose objects could not be purged is kept for the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.Retention)
	deleted := 0
	skipped := map[string]bool{}

	for {
		limit := s.config.BatchSize + len(skipped)
		ids, err := s.store.ExpiredSessions(ctx, cutoff, limit)
		if err != nil {
			return deleted, err
		}

		for _, id := range ids {
			if skipped[id] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return deleted, err
			}

			if s.purger != nil {
				if err := s.purger.PurgeSession(ctx, id); err != nil {
					s.logger.Warnf("Failed to purge objects of session %s: %s", id, err)
					skipped[id] = true
					continue
				}
			}

			if err := s.store.DeleteSession(ctx, id); err != nil {
				return deleted, err
			}
			deleted++
		}

		if len(ids) < limit {
			break
		}
	}

	if deleted > 0 {
		s.logger.Donef("Removed %d abandoned upload sessions", deleted)
	}

	return deleted, nil
}
