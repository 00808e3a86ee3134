package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/domain"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	writeRetries     = 3
	writeRetryDelay  = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		job_id TEXT,
		input_text TEXT NOT NULL,
		status TEXT NOT NULL,
		outputs_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user_finished ON runs(user_id, finished_at DESC);
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

// SaveRun inserts a finished run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	outputs, err := json.Marshal(run.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	query := `
	INSERT INTO runs (id, user_id, session_id, job_id, input_text, status, outputs_json, created_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var jobID interface{}
	if run.JobID != "" {
		jobID = run.JobID
	}

	err = shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.db.ExecContext(ctx, query,
			run.ID, run.UserID, run.SessionID, jobID,
			run.Text, run.Status, string(outputs),
			run.CreatedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of a user, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, user_id, session_id, job_id, input_text, status,
		       outputs_json, created_at, finished_at
		FROM runs WHERE user_id = ?
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close runs rows", "error", closeErr)
		}
	}()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun retrieves one run of a user by id.
func (s *SQLiteStore) GetRun(ctx context.Context, userID, id string) (*domain.Run, error) {
	query := `
		SELECT id, user_id, session_id, job_id, input_text, status,
		       outputs_json, created_at, finished_at
		FROM runs WHERE id = ? AND user_id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DeleteRuns removes all runs of a user.
func (s *SQLiteStore) DeleteRuns(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete runs for %s: %w", userID, err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var jobID sql.NullString
	var outputs string
	var createdAt, finishedAt int64

	err := row.Scan(
		&run.ID, &run.UserID, &run.SessionID, &jobID,
		&run.Text, &run.Status, &outputs, &createdAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}

	if err := json.Unmarshal([]byte(outputs), &run.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of run %s: %w", run.ID, err)
	}
	run.JobID = jobID.String
	run.CreatedAt = time.UnixMilli(createdAt)
	run.FinishedAt = time.UnixMilli(finishedAt)
	return &run, nil
}
