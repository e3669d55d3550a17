package ledger

import (
	"context"
)

// Verify compares the completed chunk count with the session total. When they match the session
// is stamped completed, once; later calls keep the first completion time.
// A concurrent MarkChunkComplete may not be observed, callers can verify again.
func (s *Store) Verify(ctx context.Context, sessionID string) (VerifyResult, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return VerifyResult{}, err
	}

	var completed int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_chunks WHERE session_id = ? AND completed = 1`,
		sessionID).Scan(&completed)
	if err != nil {
		return VerifyResult{}, persistenceError("count completed chunks", err)
	}

	if completed != session.TotalChunks {
		return VerifyResult{
			Completed: false,
			Progress:  float64(completed) / float64(session.TotalChunks),
		}, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET completed_at = ? WHERE session_id = ? AND completed_at IS NULL`,
		toMillis(s.now()), sessionID)
	if err != nil {
		return VerifyResult{}, persistenceError("stamp session completed", err)
	}

	s.logger.Debugf("Session %s verified complete (%d chunks)", sessionID, completed)

	return VerifyResult{Completed: true, Progress: 1}, nil
}
