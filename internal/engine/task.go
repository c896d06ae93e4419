package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/lobbylink/internal/model"
)

// ErrorID is a stable machine-readable failure identifier. Validators may
// return one to pick the identifier reported with an invalid-state outcome.
type ErrorID string

func (e ErrorID) Error() string { return string(e) }

// Work is the collaborator side of a task.
type Work interface {
	// Name labels the task in logs, metrics and the journal.
	Name() string
	// Initialize issues the task's backend calls, typically through
	// Task.Token, or completes the task immediately.
	Initialize(t *Task)
	// Finalize runs exactly once on the designated goroutine, after success
	// or failure. Collaborator caches are merged here.
	Finalize(t *Task)
	// Notify fires the collaborator's completion delegate. Called exactly
	// once, after Finalize.
	Notify(t *Task)
}

// Validator is implemented by work that checks its preconditions at submit
// time. A non-nil error completes the task with an invalid-state outcome
// before any backend call is made.
type Validator interface {
	Validate() error
}

// Poller is implemented by work that must be checked cooperatively on each
// drive while awaiting the backend. A polling task completes only through
// Task.Succeed or Task.Fail.
type Poller interface {
	Poll(t *Task)
}

// Result is the outcome of one backend call delivered through a Token.
type Result struct {
	OK      bool
	Payload []byte
	Code    int
	Message string
}

// Option configures a Task.
type Option func(*Task)

// WithQueue overrides the serial queue key. The default is the owner's key.
func WithQueue(key string) Option {
	return func(t *Task) { t.Queue = key }
}

// Parallel runs the task outside any serial queue.
func Parallel() Option {
	return func(t *Task) { t.Mode = model.ModeParallel }
}

// Task is one asynchronous unit of work. It is owned by the scheduler from
// Submit until its notification has fired.
type Task struct {
	ID    string
	Owner model.Owner
	Queue string
	Mode  string
	Work  Work

	createdAt time.Time
	startedAt time.Time
	submitted atomic.Bool
	ctx       context.Context
	wake      func()

	mu          sync.Mutex
	state       string
	pending     int
	outstanding map[*Token]struct{}
	resolved    []*Token
	sealed      bool
	outcome     string
	errorID     string
	payload     any
}

// NewTask creates a serial task for owner.
func NewTask(owner model.Owner, w Work, opts ...Option) *Task {
	t := &Task{
		ID:          model.NewID(),
		Owner:       owner,
		Queue:       owner.Key(),
		Mode:        model.ModeSerial,
		Work:        w,
		createdAt:   time.Now().UTC(),
		ctx:         context.Background(),
		state:       model.StateCreated,
		outstanding: make(map[*Token]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Context returns the context backend calls issued by this task should use.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Token issues a completion token for one backend call and counts it as a
// pending operation. apply runs on the designated goroutine when the token
// resolves; a nil apply fails the task with a request-failed outcome on error
// and does nothing on success.
func (t *Task) Token(apply func(*Task, Result)) *Token {
	tok := newToken(t, apply)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		tok.fired.Store(true)
		return tok
	}
	t.outstanding[tok] = struct{}{}
	t.pending++
	return tok
}

// Succeed completes the task successfully with payload. Outstanding tokens
// are invalidated. Calls after the task has completed are ignored.
func (t *Task) Succeed(payload any) {
	t.seal(model.OutcomeSuccess, "", payload)
}

// Fail completes the task with outcome and errorID. An empty or success
// outcome is reported as request-failed.
func (t *Task) Fail(outcome, errorID string) {
	if outcome == "" || outcome == model.OutcomeSuccess {
		outcome = model.OutcomeRequestFailed
	}
	t.seal(outcome, errorID, nil)
}

func (t *Task) seal(outcome, errorID string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	if outcome == model.OutcomeSuccess {
		errorID = ""
	} else if errorID == "" {
		errorID = outcome
	}
	t.sealed = true
	t.outcome = outcome
	t.errorID = errorID
	t.payload = payload
	t.pending = 0
	t.resolved = nil
	clear(t.outstanding)
}

// State returns the current lifecycle state.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of unresolved backend calls.
func (t *Task) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// OK reports whether the task completed successfully.
func (t *Task) OK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome == model.OutcomeSuccess
}

// Outcome returns the terminal outcome, or "" while the task is running.
func (t *Task) Outcome() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// ErrorID returns the failure identifier; empty on success.
func (t *Task) ErrorID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorID
}

// Payload returns the success payload, or nil.
func (t *Task) Payload() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payload
}

func (t *Task) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

func (t *Task) setState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// takeResolved removes the tokens resolved since the last drive.
func (t *Task) takeResolved() []*Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	toks := t.resolved
	t.resolved = nil
	return toks
}

// consume accounts for one applied token. It reports false if the task was
// completed after the token resolved.
func (t *Task) consume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return false
	}
	t.pending--
	return true
}

func (t *Task) record() *model.TaskRecord {
	return &model.TaskRecord{
		ID:        t.ID,
		Name:      t.Work.Name(),
		Owner:     t.Owner,
		Queue:     t.Queue,
		Mode:      t.Mode,
		State:     model.StateCreated,
		CreatedAt: t.createdAt,
	}
}

// validationErrorID picks the identifier for a failed precondition check.
func validationErrorID(err error) string {
	var id ErrorID
	if errors.As(err, &id) {
		return string(id)
	}
	return model.OutcomeInvalidState
}
