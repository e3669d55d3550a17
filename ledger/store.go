package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Store is the session ledger backed by a SQL database.
type Store struct {
	db     *sql.DB
	logger log.Logger
	newID  func() string
	now    func() time.Time
}

// NewStore creates a ledger store on an already migrated database.
func NewStore(db *sql.DB, logger log.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and one incomplete chunk row per index in a single transaction.
func (s *Store) CreateSession(ctx context.Context, fileName string, fileSize int64, totalChunks int) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("file name is empty: %w", ErrInvalidArgument)
	}
	if fileSize <= 0 {
		return "", fmt.Errorf("file size %d: %w", fileSize, ErrInvalidArgument)
	}
	if totalChunks <= 0 {
		return "", fmt.Errorf("total chunks %d: %w", totalChunks, ErrInvalidArgument)
	}

	sessionID := s.newID()
	createdAt := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", persistenceError("begin create session", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warnf("Failed to roll back session %s: %s", sessionID, err)
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO upload_sessions (session_id, file_name, file_size, total_chunks, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, fileName, fileSize, totalChunks, createdAt)
	if err != nil {
		if isDuplicateKey(err) {
			return "", &PersistenceError{Op: "insert session", Collision: true, Err: err}
		}
		return "", persistenceError("insert session", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO upload_chunks (session_id, chunk_index, completed) VALUES (?, ?, 0)`)
	if err != nil {
		return "", persistenceError("prepare chunk insert", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			s.logger.Printf(err.Error())
		}
	}()

	for i := 0; i < totalChunks; i++ {
		if _, err := stmt.ExecContext(ctx, sessionID, i); err != nil {
			return "", persistenceError(fmt.Sprintf("insert chunk %d", i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", persistenceError("commit create session", err)
	}

	s.logger.Debugf("Created session %s for %s (%d chunks)", sessionID, fileName, totalChunks)

	return sessionID, nil
}

// MarkChunkComplete flags a chunk as completed. Repeated calls keep it completed and keep the
// first completion time. An unknown (session, chunk) pair is a no-op.
func (s *Store) MarkChunkComplete(ctx context.Context, sessionID string, chunkIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_chunks SET completed = 1, completed_at = COALESCE(completed_at, ?) WHERE session_id = ? AND chunk_index = ?`,
		toMillis(s.now()), sessionID, chunkIndex)
	if err != nil {
		return persistenceError("mark chunk complete", err)
	}
	return nil
}

// GetSession returns the session metadata and its completed chunk indices in ascending order.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionStatus, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}

	chunks, err := s.Chunks(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}

	completed := []int{}
	for _, record := range chunks {
		if record.Completed {
			completed = append(completed, record.ChunkIndex)
		}
	}

	return SessionStatus{Session: session, CompletedChunks: completed}, nil
}

// Chunks returns every chunk record of a session ordered by index.
func (s *Store) Chunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, completed, completed_at FROM upload_chunks WHERE session_id = ? ORDER BY chunk_index`,
		sessionID)
	if err != nil {
		return nil, persistenceError("query chunks", err)
	}
	defer rows.Close()

	var records []ChunkRecord
	for rows.Next() {
		var (
			record      = ChunkRecord{SessionID: sessionID}
			completedAt sql.NullInt64
		)
		if err := rows.Scan(&record.ChunkIndex, &record.Completed, &completedAt); err != nil {
			return nil, persistenceError("scan chunk", err)
		}
		if completedAt.Valid {
			t := fromMillis(completedAt.Int64)
			record.CompletedAt = &t
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate chunks", err)
	}

	return records, nil
}

// ExpiredSessions returns up to limit ids of sessions that never completed and were created before cutoff.
func (s *Store) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM upload_sessions WHERE completed_at IS NULL AND created_at < ? ORDER BY created_at LIMIT ?`,
		toMillis(cutoff), limit)
	if err != nil {
		return nil, persistenceError("query expired sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceError("scan expired session", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate expired sessions", err)
	}

	return ids, nil
}

// DeleteSession removes a session and its chunk rows.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin delete session", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warnf("Failed to roll back delete of session %s: %s", sessionID, err)
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE session_id = ?`, sessionID); err != nil {
		return persistenceError("delete chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE session_id = ?`, sessionID); err != nil {
		return persistenceError("delete session", err)
	}

	if err := tx.Commit(); err != nil {
		return persistenceError("commit delete session", err)
	}
	return nil
}

func (s *Store) session(ctx context.Context, sessionID string) (Session, error) {
	var (
		session     = Session{ID: sessionID}
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT file_name, file_size, total_chunks, created_at, completed_at FROM upload_sessions WHERE session_id = ?`,
		sessionID).Scan(&session.FileName, &session.FileSize, &session.TotalChunks, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, persistenceError("query session", err)
	}

	session.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		session.CompletedAt = &t
	}

	return session, nil
}
