package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/store"
)

// DefaultTickInterval is how often Run drives when nothing wakes it.
const DefaultTickInterval = 50 * time.Millisecond

var (
	// ErrAlreadySubmitted is returned when a task is submitted twice.
	ErrAlreadySubmitted = errors.New("task already submitted")
	// ErrNilWork is returned when a task has no Work.
	ErrNilWork = errors.New("task has no work")
)

// TaskInfo is a read-only view of an active task.
type TaskInfo struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Owner   model.Owner `json:"owner"`
	Queue   string      `json:"queue"`
	Mode    string      `json:"mode"`
	State   string      `json:"state"`
	Pending int         `json:"pending"`
}

// Scheduler drives tasks on a single designated goroutine. Submit and Post
// are safe from any goroutine; Drive must only be called from one.
type Scheduler struct {
	journal        *journal
	journalTimeout time.Duration
	logger         *slog.Logger
	broker         *TransitionBroker
	tick           time.Duration
	wakeCh         chan struct{}

	inboxMu sync.Mutex
	inbox   []*Task
	posted  []func()
	ctx     context.Context

	// Designated goroutine only.
	parallel []*Task
	serial   map[string][]*Task
	queues   []string

	activeMu sync.RWMutex
	active   map[string]*Task

	running   atomic.Bool
	lastDrive atomic.Int64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets the idle drive interval used by Run.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithJournalTimeout bounds each journal write.
func WithJournalTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.journalTimeout = d
		}
	}
}

// NewScheduler creates a scheduler. s may be nil, in which case tasks are not
// journaled. Journal writes run on a background goroutine; Close stops it.
func NewScheduler(s store.Store, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	sched := &Scheduler{
		logger:         logger,
		broker:         NewTransitionBroker(),
		tick:           DefaultTickInterval,
		wakeCh:         make(chan struct{}, 1),
		ctx:            context.Background(),
		serial:         make(map[string][]*Task),
		active:         make(map[string]*Task),
		journalTimeout: DefaultJournalTimeout,
	}
	for _, opt := range opts {
		opt(sched)
	}
	if s != nil {
		sched.journal = newJournal(s, logger, sched.journalTimeout)
	}
	return sched
}

// FlushJournal waits until every journal write queued so far has been
// attempted.
func (s *Scheduler) FlushJournal(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	return s.journal.flush(ctx)
}

// Close drains pending journal writes and stops the journal writer. Tasks
// submitted afterwards are no longer journaled.
func (s *Scheduler) Close() {
	if s.journal != nil {
		s.journal.close()
	}
}

// Broker returns the scheduler's transition broker for SSE subscription.
func (s *Scheduler) Broker() *TransitionBroker {
	return s.broker
}

// Submit hands t to the scheduler and returns immediately. Precondition
// failures reported by a Validator complete the task with an invalid-state
// outcome; its notification still fires on the next Drive.
func (s *Scheduler) Submit(t *Task) error {
	if t == nil || t.Work == nil {
		return ErrNilWork
	}
	if !t.submitted.CompareAndSwap(false, true) {
		return ErrAlreadySubmitted
	}

	t.mu.Lock()
	t.wake = s.wake
	t.mu.Unlock()

	if v, ok := t.Work.(Validator); ok {
		if err := v.Validate(); err != nil {
			s.logger.Debug("task precondition failed", "task_id", t.ID, "task", t.Work.Name(), "error", err)
			t.Fail(model.OutcomeInvalidState, validationErrorID(err))
		}
	}

	s.activeMu.Lock()
	s.active[t.ID] = t
	s.activeMu.Unlock()

	if s.journal != nil {
		s.journal.create(t.record())
	}
	tasksSubmittedTotal.WithLabelValues(t.Work.Name()).Inc()
	tasksActive.Inc()

	s.inboxMu.Lock()
	t.ctx = s.ctx
	s.inbox = append(s.inbox, t)
	s.inboxMu.Unlock()

	s.wake()
	return nil
}

// Post schedules fn to run on the designated goroutine at the start of the
// next Drive.
func (s *Scheduler) Post(fn func()) {
	s.inboxMu.Lock()
	s.posted = append(s.posted, fn)
	s.inboxMu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Drive advances every runnable task by as much as it can without blocking.
func (s *Scheduler) Drive() {
	start := time.Now()
	s.lastDrive.Store(start.UnixNano())
	defer func() { driveDuration.Observe(time.Since(start).Seconds()) }()

	s.inboxMu.Lock()
	posted := s.posted
	inbox := s.inbox
	s.posted = nil
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, fn := range posted {
		s.runPosted(fn)
	}

	for _, t := range inbox {
		if t.Mode == model.ModeParallel {
			s.parallel = append(s.parallel, t)
			continue
		}
		if _, ok := s.serial[t.Queue]; !ok {
			s.queues = append(s.queues, t.Queue)
		}
		s.serial[t.Queue] = append(s.serial[t.Queue], t)
	}

	s.parallel = slices.DeleteFunc(s.parallel, s.step)

	for _, key := range s.queues {
		q := s.serial[key]
		for len(q) > 0 && s.step(q[0]) {
			q = q[1:]
		}
		if len(q) == 0 {
			delete(s.serial, key)
		} else {
			s.serial[key] = q
		}
	}
	s.queues = slices.DeleteFunc(s.queues, func(key string) bool {
		_, ok := s.serial[key]
		return !ok
	})
}

// Run drives the scheduler on the calling goroutine until ctx is done. The
// calling goroutine becomes the designated goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	s.inboxMu.Lock()
	s.ctx = ctx
	s.inboxMu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.Drive()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeCh:
		case <-ticker.C:
		}
	}
}

// Running reports whether Run is driving the scheduler.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastDrive returns when Drive last started, or the zero time.
func (s *Scheduler) LastDrive() time.Time {
	ns := s.lastDrive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Active returns a snapshot of every task that has not yet completed.
func (s *Scheduler) Active() []TaskInfo {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()

	infos := make([]TaskInfo, 0, len(s.active))
	for _, t := range s.active {
		t.mu.Lock()
		infos = append(infos, TaskInfo{
			ID:      t.ID,
			Name:    t.Work.Name(),
			Owner:   t.Owner,
			Queue:   t.Queue,
			Mode:    t.Mode,
			State:   t.state,
			Pending: t.pending,
		})
		t.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b TaskInfo) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return infos
}

// step advances t and reports whether it has completed.
func (s *Scheduler) step(t *Task) bool {
	if t.State() == model.StateCreated {
		if !t.done() {
			t.startedAt = time.Now().UTC()
			s.transition(t, model.StateInitializing)
			s.invoke(t, "initialize", func() { t.Work.Initialize(t) })
			if !t.done() {
				s.transition(t, model.StateAwaitingBackend)
			}
		}
	}

	if !t.done() {
		s.applyResolved(t)
		if p, ok := t.Work.(Poller); ok && !t.done() {
			s.invoke(t, "poll", func() { p.Poll(t) })
		} else if !t.done() && t.Pending() == 0 {
			t.Succeed(nil)
		}
	}

	if !t.done() {
		return false
	}
	s.complete(t)
	return true
}

func (s *Scheduler) applyResolved(t *Task) {
	for _, tok := range t.takeResolved() {
		if !t.consume() {
			tokensDroppedTotal.WithLabelValues("completed").Inc()
			continue
		}
		apply := tok.apply
		if apply == nil {
			apply = defaultApply
		}
		r := tok.result
		s.invoke(t, "apply", func() { apply(t, r) })
	}
}

func defaultApply(t *Task, r Result) {
	if !r.OK {
		t.Fail(model.OutcomeRequestFailed, "")
	}
}

// complete runs Finalizing and Completed for a sealed task.
func (s *Scheduler) complete(t *Task) {
	if t.Outcome() != model.OutcomeSuccess {
		s.transition(t, model.StateFailed)
	}
	s.transition(t, model.StateFinalizing)
	s.invoke(t, "finalize", func() { t.Work.Finalize(t) })
	s.transition(t, model.StateCompleted)

	s.activeMu.Lock()
	delete(s.active, t.ID)
	s.activeMu.Unlock()
	tasksActive.Dec()
	tasksCompletedTotal.WithLabelValues(t.Work.Name(), t.Outcome()).Inc()

	s.journalComplete(t)
	s.broker.Close(t.ID)

	if !t.OK() {
		s.logger.Info("task failed", "task_id", t.ID, "task", t.Work.Name(), "outcome", t.Outcome(), "error_id", t.ErrorID())
	}
	s.invoke(t, "notify", func() { t.Work.Notify(t) })
}

// transition moves t to state, journals it and publishes it to subscribers.
func (s *Scheduler) transition(t *Task, state string) {
	from := t.State()
	if from == state {
		return
	}
	t.setState(state)
	s.broker.Publish(t.ID, Transition{TaskID: t.ID, From: from, To: state, At: time.Now().UTC()})

	if s.journal == nil || state == model.StateCompleted {
		return
	}
	s.journal.state(t.ID, state)
}

func (s *Scheduler) journalComplete(t *Task) {
	if s.journal == nil {
		return
	}
	now := time.Now().UTC()
	r := &model.TaskRecord{
		ID:          t.ID,
		Outcome:     t.Outcome(),
		ErrorID:     t.ErrorID(),
		CompletedAt: &now,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		dur := int(now.Sub(started).Milliseconds())
		r.StartedAt = &started
		r.DurationMS = &dur
	}
	s.journal.complete(r)
}

// invoke runs a collaborator hook, logging and swallowing panics. A panic
// before the task completes fails it.
func (s *Scheduler) invoke(t *Task, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			collaboratorPanicsTotal.WithLabelValues(t.Work.Name(), hook).Inc()
			s.logger.Error("collaborator hook panicked",
				"task_id", t.ID,
				"task", t.Work.Name(),
				"hook", hook,
				"panic", fmt.Sprint(r),
			)
			t.Fail(model.OutcomeRequestFailed, "")
		}
	}()
	fn()
}

func (s *Scheduler) runPosted(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("posted callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
