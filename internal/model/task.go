package model

import (
	"strconv"
	"time"
)

// Task lifecycle states.
const (
	StateCreated         = "created"
	StateInitializing    = "initializing"
	StateAwaitingBackend = "awaiting_backend"
	StateFailed          = "failed"
	StateFinalizing      = "finalizing"
	StateCompleted       = "completed"
)

// Task outcome constants. An empty outcome means the task has not completed.
const (
	OutcomeSuccess       = "success"
	OutcomeInvalidState  = "invalid-state"
	OutcomeRequestFailed = "request-failed"
)

// Execution modes.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateCreated: {
		StateInitializing: true,
		StateFailed:       true,
	},
	StateInitializing: {
		StateAwaitingBackend: true,
		StateFailed:          true,
		StateFinalizing:      true,
	},
	StateAwaitingBackend: {
		StateFailed:     true,
		StateFinalizing: true,
	},
	StateFailed: {
		StateFinalizing: true,
	},
	StateFinalizing: {
		StateCompleted: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether state is the final lifecycle state.
func Terminal(state string) bool {
	return state == StateCompleted
}

// MaxLocalUsers bounds the local user index of an Owner.
const MaxLocalUsers = 4

// Owner identifies the local user a task or connection acts on behalf of.
type Owner struct {
	LocalUserNum int    `json:"local_user_num"`
	UserID       string `json:"user_id,omitempty"`
}

// Key returns the string form used for queue keys and map lookups.
func (o Owner) Key() string {
	return "user:" + strconv.Itoa(o.LocalUserNum)
}

// Valid reports whether the local user index is within range.
func (o Owner) Valid() bool {
	return o.LocalUserNum >= 0 && o.LocalUserNum < MaxLocalUsers
}

// TaskRecord is the journaled view of a task.
type TaskRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Owner       Owner      `json:"owner"`
	Queue       string     `json:"queue"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	Outcome     string     `json:"outcome,omitempty"`
	ErrorID     string     `json:"error_id,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
