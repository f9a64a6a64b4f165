package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-gateway/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read history while the session pumps write it.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		shell TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		closed_at INTEGER,
		close_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		success INTEGER NOT NULL,
		output_bytes INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_commands_completed ON commands(completed_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordSession inserts a session row. Recording the same id again (a
// restarted gateway reusing a client token) resets the row.
func (s *SQLiteStore) RecordSession(ctx context.Context, rec domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, pid, shell, created_at, closed_at, close_reason)
	VALUES (?, ?, ?, ?, NULL, NULL)
	ON CONFLICT(session_id) DO UPDATE SET
		pid = excluded.pid,
		shell = excluded.shell,
		created_at = excluded.created_at,
		closed_at = NULL,
		close_reason = NULL`

	_, err := s.db.ExecContext(ctx, query, rec.SessionID, rec.PID, rec.Shell, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.SessionID, err)
	}
	return nil
}

// CloseSession sets the close time and reason of a session.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time, reason string) error {
	query := `UPDATE sessions SET closed_at = ?, close_reason = ? WHERE session_id = ?`

	_, err := s.db.ExecContext(ctx, query, closedAt.UnixMilli(), reason, sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession retrieves a session row by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	query := `
		SELECT session_id, pid, shell, created_at, closed_at, close_reason
		FROM sessions WHERE session_id = ?`

	var (
		rec       domain.SessionRecord
		createdAt int64
		closedAt  sql.NullInt64
		reason    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.PID, &rec.Shell, &createdAt, &closedAt, &reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	if closedAt.Valid {
		rec.ClosedAt = time.UnixMilli(closedAt.Int64)
	}
	rec.CloseReason = reason.String
	return &rec, nil
}

// RecordCommand appends a completed command.
func (s *SQLiteStore) RecordCommand(ctx context.Context, rec domain.CommandRecord) (int64, error) {
	query := `
	INSERT INTO commands (session_id, command, exit_code, success, output_bytes, completed_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	success := 0
	if rec.Success {
		success = 1
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.Command, rec.ExitCode, success, rec.OutputBytes, rec.CompletedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record command for %s: %w", rec.SessionID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get command id: %w", err)
	}
	return id, nil
}

// ListCommands returns the session's most recent commands, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, command, exit_code, success, output_bytes, completed_at
		FROM commands
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("Failed to close rows", "error", err)
		}
	}()

	var records []domain.CommandRecord
	for rows.Next() {
		var (
			rec         domain.CommandRecord
			success     int
			completedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Command, &rec.ExitCode,
			&success, &rec.OutputBytes, &completedAt); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		rec.Success = success != 0
		rec.CompletedAt = time.UnixMilli(completedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command rows: %w", err)
	}

	return records, nil
}

// PruneCommands deletes commands completed before the cutoff.
func (s *SQLiteStore) PruneCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE completed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned commands: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
