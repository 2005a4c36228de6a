package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/pplx/internal/domain"
)

const writeRetries = 3

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed ledger.
func NewSQLite(dbPath string) (Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ledger := &SQLiteLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return ledger, nil
}

func (s *SQLiteLedger) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		premium_credits INTEGER NOT NULL,
		upload_credits INTEGER NOT NULL,
		retired INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(updated_at) WHERE retired = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// isContention reports whether err is a transient SQLite concurrency
// failure worth retrying. modernc.org/sqlite surfaces these as SQLITE_BUSY
// or "database is locked" message text rather than typed errors.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// exec retries transient lock contention; pool workers and the dispatcher
// may write concurrently.
func (s *SQLiteLedger) exec(ctx context.Context, query string, args ...interface{}) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isContention(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordAccount inserts or refreshes an account row.
func (s *SQLiteLedger) RecordAccount(ctx context.Context, rec *domain.AccountRecord) error {
	query := `
	INSERT INTO accounts (id, email, premium_credits, upload_credits, retired, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = excluded.email,
		premium_credits = excluded.premium_credits,
		upload_credits = excluded.upload_credits,
		retired = 0,
		updated_at = excluded.updated_at`

	err := s.exec(ctx, query,
		rec.ID, rec.Email, rec.PremiumCredits, rec.UploadCredits,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record account: %w", err)
	}
	return nil
}

// UpdateCredits stores the latest credit counters for an account.
func (s *SQLiteLedger) UpdateCredits(ctx context.Context, id string, premium, uploads int) error {
	query := `
	UPDATE accounts SET premium_credits = ?, upload_credits = ?, updated_at = ?
	WHERE id = ?`

	if err := s.exec(ctx, query, premium, uploads, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("update credits: %w", err)
	}
	return nil
}

// RetireAccount marks an account as no longer in the pool.
func (s *SQLiteLedger) RetireAccount(ctx context.Context, id string) error {
	query := `UPDATE accounts SET retired = 1, updated_at = ? WHERE id = ?`

	if err := s.exec(ctx, query, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("retire account: %w", err)
	}
	return nil
}

// ListActive returns all accounts that have not been retired.
func (s *SQLiteLedger) ListActive(ctx context.Context) ([]*domain.AccountRecord, error) {
	query := `
	SELECT id, email, premium_credits, upload_credits, created_at, updated_at
	FROM accounts WHERE retired = 0 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var records []*domain.AccountRecord
	for rows.Next() {
		var rec domain.AccountRecord
		var createdAt, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.PremiumCredits, &rec.UploadCredits, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}
	return records, nil
}

// Close closes the database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}
