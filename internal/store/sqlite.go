// ABOUTME: SQLite-backed task snapshot store using modernc.org/sqlite
// ABOUTME: Persists the task graph so a session can resume after restart

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teamwire/teamwire/internal/orchestrator"
)

// SQLiteStore persists task snapshots for session resume
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			blocks TEXT NOT NULL DEFAULT '[]',
			blocked_by TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status
			ON tasks(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveTask upserts one task snapshot
func (s *SQLiteStore) SaveTask(task *orchestrator.Task) error {
	blocks, err := json.Marshal(task.Blocks)
	if err != nil {
		return fmt.Errorf("marshaling blocks: %w", err)
	}
	blockedBy, err := json.Marshal(task.BlockedBy)
	if err != nil {
		return fmt.Errorf("marshaling blocked_by: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, subject, description, status, owner, model, role, blocks, blocked_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Subject, task.Description, string(task.Status),
		task.Owner, task.Model, task.Role,
		string(blocks), string(blockedBy),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

// DeleteTask removes one task snapshot. Deleting an absent id is not an error.
func (s *SQLiteStore) DeleteTask(taskID string) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", taskID); err != nil {
		return fmt.Errorf("deleting task %s: %w", taskID, err)
	}
	return nil
}

// LoadTasks returns every persisted task snapshot
func (s *SQLiteStore) LoadTasks() ([]*orchestrator.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, subject, description, status, owner, model, role, blocks, blocked_by, created_at, updated_at
		FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*orchestrator.Task
	for rows.Next() {
		var (
			task      orchestrator.Task
			status    string
			blocks    string
			blockedBy string
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&task.ID, &task.Subject, &task.Description, &status,
			&task.Owner, &task.Model, &task.Role, &blocks, &blockedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		task.Status = orchestrator.Status(status)
		task.CreatedAt = createdAt
		task.UpdatedAt = updatedAt
		if err := json.Unmarshal([]byte(blocks), &task.Blocks); err != nil {
			return nil, fmt.Errorf("decoding blocks for task %s: %w", task.ID, err)
		}
		if err := json.Unmarshal([]byte(blockedBy), &task.BlockedBy); err != nil {
			return nil, fmt.Errorf("decoding blocked_by for task %s: %w", task.ID, err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
