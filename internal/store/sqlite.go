package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/shared"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository. ":memory:" keeps the
// history for the lifetime of the process only.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")

	dsn := dbPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// Open database with WAL mode for better concurrency.
		dsn = dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agent_runs (
		run_id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		agent TEXT NOT NULL,
		session_id TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_lookup ON agent_runs(scope, agent, session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_created ON agent_runs(created_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun records a completed run. Missing IDs and timestamps are filled in.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	messages, err := json.Marshal(run.Messages)
	if err != nil {
		return fmt.Errorf("marshal run messages: %w", err)
	}

	query := `
	INSERT INTO agent_runs (run_id, scope, agent, session_id, messages_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		messages_json = excluded.messages_json`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = shared.RetryOnConflict(ctx, "save_run", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.ID, run.Scope, run.Agent, run.SessionID, string(messages), run.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// ListRuns returns the latest limit runs, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, scope, agent, sessionID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT run_id, scope, agent, session_id, messages_json, created_at
		FROM agent_runs
		WHERE scope = ? AND agent = ? AND session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, scope, agent, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var run domain.Run
		var messages string
		var createdAt int64
		if err := rows.Scan(&run.ID, &run.Scope, &run.Agent, &run.SessionID, &messages, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var msgs []llm.Message
		if err := json.Unmarshal([]byte(messages), &msgs); err != nil {
			return nil, fmt.Errorf("decode run %s messages: %w", run.ID, err)
		}
		run.Messages = msgs
		run.CreatedAt = time.Unix(0, createdAt)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs, nil
}

// DeleteScope removes all runs of a browser session.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scope string) (int64, error) {
	return s.delete(ctx, "delete_scope", `DELETE FROM agent_runs WHERE scope = ?`, scope)
}

// DeleteRunsBefore removes runs created before cutoff.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.delete(ctx, "delete_runs_before", `DELETE FROM agent_runs WHERE created_at < ?`, cutoff.UnixNano())
}

func (s *SQLiteStore) delete(ctx context.Context, op, query string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64
	err := shared.RetryOnConflict(ctx, op, writeRetryAttempts, writeRetryDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return deleted, nil
}
