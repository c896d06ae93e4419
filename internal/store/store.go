package store

import (
	"context"
	"errors"

	"github.com/seantiz/lobbylink/internal/model"
)

// ErrInvalidTransition is returned when a task state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotFound is returned when a task record is not found.
var ErrNotFound = errors.New("task not found")

// TaskStats holds aggregate journal statistics.
type TaskStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	CountByName    map[string]int `json:"count_by_name"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store is the task journal. The scheduler records each submitted task and its
// terminal outcome; the admin API reads it back.
type Store interface {
	CreateTask(ctx context.Context, r *model.TaskRecord) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error)
	UpdateTaskState(ctx context.Context, id, state string) error
	CompleteTask(ctx context.Context, r *model.TaskRecord) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

func newStats() *TaskStats {
	return &TaskStats{
		CountByState:   make(map[string]int),
		CountByOutcome: make(map[string]int),
		CountByName:    make(map[string]int),
	}
}
