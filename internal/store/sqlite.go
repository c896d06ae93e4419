package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/lobbylink/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    local_user_num INTEGER NOT NULL,
    user_id        TEXT NOT NULL,
    queue          TEXT NOT NULL,
    mode           TEXT NOT NULL,
    state          TEXT NOT NULL,
    outcome        TEXT NOT NULL DEFAULT '',
    error_id       TEXT NOT NULL DEFAULT '',
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    completed_at   DATETIME
)`

const taskColumns = `id, name, local_user_num, user_id, queue, mode, state, outcome,
	error_id, duration_ms, created_at, started_at, completed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A shared in-memory database only lives as long as its single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, r *model.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Owner.LocalUserNum, r.Owner.UserID, r.Queue, r.Mode, r.State, r.Outcome,
		r.ErrorID, r.DurationMS, r.CreatedAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.TaskRecord, error) {
	r := &model.TaskRecord{}
	err := row.Scan(
		&r.ID, &r.Name, &r.Owner.LocalUserNum, &r.Owner.UserID, &r.Queue, &r.Mode, &r.State,
		&r.Outcome, &r.ErrorID, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.CompletedAt,
	)
	return r, err
}

// GetTask retrieves a task record by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	r, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// currentState reads the state of a task inside tx.
func currentState(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var state string
	err := tx.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task state: %w", err)
	}
	return state, nil
}

// UpdateTaskState moves a task to a new non-terminal state. The move must be a
// valid lifecycle transition. Entering initializing also sets started_at.
func (s *SQLiteStore) UpdateTaskState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentState(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}

	if state == model.StateInitializing {
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET state = ?, started_at = ? WHERE id = ?",
			state, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET state = ? WHERE id = ?", state, id)
	}
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CompleteTask records the terminal outcome of a task. The record's current
// state must be finalizing or failed, or the task must never have left created
// (the fail-fast path).
func (s *SQLiteStore) CompleteTask(ctx context.Context, r *model.TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentState(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if model.Terminal(from) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, model.StateCompleted)
	}

	completedAt := r.CompletedAt
	if completedAt == nil {
		now := time.Now().UTC()
		completedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, outcome = ?, error_id = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), completed_at = ? WHERE id = ?`,
		model.StateCompleted, r.Outcome, r.ErrorID, r.DurationMS, r.StartedAt, completedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTaskStats returns aggregate counts across the journal.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := newStats()

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM tasks",
	).Scan(&stats.Total, &stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"state", stats.CountByState},
		{"outcome", stats.CountByOutcome},
		{"name", stats.CountByName},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM tasks WHERE "+g.column+" != '' GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", g.column, err)
			}
			g.into[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s counts: %w", g.column, err)
		}
		rows.Close()
	}

	return stats, nil
}
