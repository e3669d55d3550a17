package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

const (
	numPingRetries = 3
	sqlitePragmas  = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	mysqlDuplicate = 1062
)

// Open connects to the ledger database and makes sure the schema exists.
// For sqlite the dsn is a file path, for mysql a go-sql-driver DSN.
func Open(ctx context.Context, driver, dsn string, logger log.Logger) (*sql.DB, error) {
	driver = normalizeDriver(driver)

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open(DriverSQLite, sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// A single connection serialises writers and keeps the pragmas in effect.
		db.SetMaxOpenConns(1)
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = 5 * time.Second
		}
		db, err = sql.Open(DriverMySQL, cfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	err = retry.Times(numPingRetries).Wait(time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			logger.Warnf("Retrying database ping (attempt %d)", attempt+1)
		}
		if err := db.PingContext(ctx); err != nil {
			return err, ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Debugf("Ledger database ready (driver: %s)", driver)

	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	var stmts []string
	switch normalizeDriver(driver) {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS upload_sessions (
				session_id TEXT PRIMARY KEY,
				file_name TEXT NOT NULL,
				file_size INTEGER NOT NULL,
				total_chunks INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				completed_at INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS upload_chunks (
				session_id TEXT NOT NULL REFERENCES upload_sessions(session_id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL,
				completed INTEGER NOT NULL DEFAULT 0,
				completed_at INTEGER,
				PRIMARY KEY (session_id, chunk_index)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_upload_sessions_created_at ON upload_sessions(created_at)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS upload_sessions (
				session_id VARCHAR(64) NOT NULL PRIMARY KEY,
				file_name VARCHAR(1024) NOT NULL,
				file_size BIGINT NOT NULL,
				total_chunks INT NOT NULL,
				created_at BIGINT NOT NULL,
				completed_at BIGINT NULL,
				INDEX idx_upload_sessions_created_at (created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS upload_chunks (
				session_id VARCHAR(64) NOT NULL,
				chunk_index INT NOT NULL,
				completed TINYINT(1) NOT NULL DEFAULT 0,
				completed_at BIGINT NULL,
				PRIMARY KEY (session_id, chunk_index),
				CONSTRAINT fk_upload_chunks_session FOREIGN KEY (session_id)
					REFERENCES upload_sessions(session_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "":
		return DriverSQLite
	default:
		return strings.ToLower(driver)
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

func isDuplicateKey(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicate
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
