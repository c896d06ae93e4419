package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/store"
)

// recorder collects hook invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// fakeWork is a configurable Work for scheduler tests.
type fakeWork struct {
	name      string
	rec       *recorder
	validate  error
	init      func(t *engine.Task)
	finalize  func(t *engine.Task)
	notified  int
	finalized int
	ok        bool
	errorID   string
}

func (w *fakeWork) Name() string { return w.name }

func (w *fakeWork) Validate() error { return w.validate }

func (w *fakeWork) Initialize(t *engine.Task) {
	if w.rec != nil {
		w.rec.add(w.name + ":init")
	}
	if w.init != nil {
		w.init(t)
	}
}

func (w *fakeWork) Finalize(t *engine.Task) {
	w.finalized++
	if w.rec != nil {
		w.rec.add(w.name + ":finalize")
	}
	if w.finalize != nil {
		w.finalize(t)
	}
}

func (w *fakeWork) Notify(t *engine.Task) {
	w.notified++
	w.ok = t.OK()
	w.errorID = t.ErrorID()
	if w.rec != nil {
		w.rec.add(w.name + ":notify")
	}
}

func newTestScheduler(t *testing.T) *engine.Scheduler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewScheduler(nil, logger)
}

// driveUntil drives s until cond holds or the timeout expires.
func driveUntil(t *testing.T, s *engine.Scheduler, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Drive()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

var owner0 = model.Owner{LocalUserNum: 0}

func TestSubmitSuccessNotifiesOnce(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{
		name: "fetch",
		init: func(task *engine.Task) {
			tok := task.Token(func(task *engine.Task, r engine.Result) {
				task.Succeed(string(r.Payload))
			})
			go tok.Succeed([]byte("hello"))
		},
	}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	driveUntil(t, s, func() bool { return w.notified > 0 })
	for range 5 {
		s.Drive()
	}

	if w.notified != 1 {
		t.Errorf("notified = %d, want 1", w.notified)
	}
	if w.finalized != 1 {
		t.Errorf("finalized = %d, want 1", w.finalized)
	}
	if !w.ok || w.errorID != "" {
		t.Errorf("ok = %v, errorID = %q, want success with empty id", w.ok, w.errorID)
	}
	if task.Payload() != "hello" {
		t.Errorf("payload = %v, want hello", task.Payload())
	}
	if task.State() != model.StateCompleted {
		t.Errorf("state = %q, want %q", task.State(), model.StateCompleted)
	}
}

func TestFailFastInvalidState(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{name: "query", validate: engine.ErrorID("query-users-empty-input")}
	initialized := false
	w.init = func(*engine.Task) { initialized = true }

	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if w.notified != 0 {
		t.Fatal("notification fired inline from Submit")
	}

	s.Drive()

	if initialized {
		t.Error("Initialize ran for a task that failed validation")
	}
	if w.notified != 1 {
		t.Fatalf("notified = %d, want 1", w.notified)
	}
	if w.ok {
		t.Error("expected failure")
	}
	if task.Outcome() != model.OutcomeInvalidState {
		t.Errorf("outcome = %q, want %q", task.Outcome(), model.OutcomeInvalidState)
	}
	if w.errorID != "query-users-empty-input" {
		t.Errorf("errorID = %q, want query-users-empty-input", w.errorID)
	}
}

func TestFailFastPlainErrorUsesOutcomeID(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{name: "query", validate: errors.New("no service")}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.Drive()

	if w.errorID != model.OutcomeInvalidState {
		t.Errorf("errorID = %q, want %q", w.errorID, model.OutcomeInvalidState)
	}
}

func TestResubmitRejected(t *testing.T) {
	s := newTestScheduler(t)
	task := engine.NewTask(owner0, &fakeWork{name: "x"})
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(task); !errors.Is(err, engine.ErrAlreadySubmitted) {
		t.Errorf("second Submit error = %v, want ErrAlreadySubmitted", err)
	}
	if err := s.Submit(engine.NewTask(owner0, nil)); !errors.Is(err, engine.ErrNilWork) {
		t.Errorf("Submit(nil work) error = %v, want ErrNilWork", err)
	}
}

func TestBackendErrorDefaultsToRequestFailed(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{
		name: "fetch",
		init: func(task *engine.Task) {
			tok := task.Token(nil)
			go tok.Fail(404, "not found")
		},
	}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveUntil(t, s, func() bool { return w.notified > 0 })

	if w.ok {
		t.Error("expected failure")
	}
	if task.Outcome() != model.OutcomeRequestFailed {
		t.Errorf("outcome = %q, want %q", task.Outcome(), model.OutcomeRequestFailed)
	}
	if w.errorID == "" {
		t.Error("failure notified with empty error id")
	}
}

func TestSuccessClearsErrorID(t *testing.T) {
	task := engine.NewTask(owner0, &fakeWork{name: "x"})
	task.Succeed(nil)
	task.Fail(model.OutcomeRequestFailed, "late")

	if !task.OK() || task.ErrorID() != "" {
		t.Errorf("ok = %v, errorID = %q; first completion must win", task.OK(), task.ErrorID())
	}
}

func TestTokenAfterCompletionIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	var late *engine.Token
	applied := 0
	w := &fakeWork{
		name: "race",
		init: func(task *engine.Task) {
			first := task.Token(func(task *engine.Task, r engine.Result) {
				applied++
				task.Succeed(nil)
			})
			late = task.Token(func(*engine.Task, engine.Result) { applied++ })
			first.Succeed(nil)
		},
	}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveUntil(t, s, func() bool { return w.notified > 0 })

	if late.Alive() {
		t.Error("token still alive after task completed")
	}
	if late.Resolve(engine.Result{OK: true}) {
		t.Error("Resolve accepted a result for a completed task")
	}
	for range 3 {
		s.Drive()
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}
	if w.notified != 1 || w.finalized != 1 {
		t.Errorf("notified = %d, finalized = %d, want 1 each", w.notified, w.finalized)
	}
}

func TestTokenResolvesOnce(t *testing.T) {
	task := engine.NewTask(owner0, &fakeWork{name: "x"})
	tok := task.Token(nil)
	if !tok.Resolve(engine.Result{OK: true}) {
		t.Fatal("first Resolve rejected")
	}
	if tok.Resolve(engine.Result{OK: true}) {
		t.Error("second Resolve accepted")
	}
}

func TestTokenReleasedTaskIsNoop(t *testing.T) {
	tok := func() *engine.Token {
		task := engine.NewTask(owner0, &fakeWork{name: "x"})
		return task.Token(nil)
	}()

	for i := 0; i < 10 && tok.Alive(); i++ {
		runtime.GC()
	}
	if tok.Alive() {
		t.Skip("task not collected")
	}
	if tok.Resolve(engine.Result{OK: true}) {
		t.Error("Resolve accepted a result for a released task")
	}
}

func TestSerialQueueFIFO(t *testing.T) {
	s := newTestScheduler(t)
	rec := &recorder{}
	var tok1 *engine.Token
	w1 := &fakeWork{name: "t1", rec: rec, init: func(task *engine.Task) { tok1 = task.Token(nil) }}
	w2 := &fakeWork{name: "t2", rec: rec}

	if err := s.Submit(engine.NewTask(owner0, w1)); err != nil {
		t.Fatalf("Submit t1: %v", err)
	}
	if err := s.Submit(engine.NewTask(owner0, w2)); err != nil {
		t.Fatalf("Submit t2: %v", err)
	}

	s.Drive()
	s.Drive()
	if got := rec.list(); len(got) != 1 || got[0] != "t1:init" {
		t.Fatalf("events before t1 resolves = %v, want [t1:init]", got)
	}

	go tok1.Succeed(nil)
	driveUntil(t, s, func() bool { return w2.notified > 0 })

	want := []string{"t1:init", "t1:finalize", "t1:notify", "t2:init", "t2:finalize", "t2:notify"}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestDistinctQueuesAndParallelTasksDoNotWait(t *testing.T) {
	s := newTestScheduler(t)
	blocker := &fakeWork{name: "blocker", init: func(task *engine.Task) { task.Token(nil) }}
	other := &fakeWork{name: "other"}
	par := &fakeWork{name: "par"}

	if err := s.Submit(engine.NewTask(owner0, blocker)); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(engine.NewTask(model.Owner{LocalUserNum: 1}, other)); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(engine.NewTask(owner0, par, engine.Parallel())); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	if blocker.notified != 0 {
		t.Error("blocker completed without its token resolving")
	}
	if other.notified != 1 {
		t.Error("task on a distinct queue waited for the blocked queue")
	}
	if par.notified != 1 {
		t.Error("parallel task waited for the serial queue")
	}
	if n := len(s.Active()); n != 1 {
		t.Errorf("active = %d, want 1", n)
	}
}

func TestFanOutJoin(t *testing.T) {
	s := newTestScheduler(t)
	var toks []*engine.Token
	merged := 0
	w := &fakeWork{
		name: "fanout",
		init: func(task *engine.Task) {
			for range 3 {
				toks = append(toks, task.Token(func(*engine.Task, engine.Result) { merged++ }))
			}
		},
	}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	s.Drive()
	if task.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", task.Pending())
	}

	toks[0].Succeed(nil)
	toks[2].Succeed(nil)
	s.Drive()
	if w.notified != 0 {
		t.Fatal("task completed before every call resolved")
	}
	if task.State() != model.StateAwaitingBackend {
		t.Errorf("state = %q, want %q", task.State(), model.StateAwaitingBackend)
	}
	if task.Pending() != 1 {
		t.Errorf("pending = %d, want 1", task.Pending())
	}

	toks[1].Succeed(nil)
	s.Drive()
	if w.notified != 1 || !w.ok {
		t.Errorf("notified = %d, ok = %v, want one success", w.notified, w.ok)
	}
	if merged != 3 {
		t.Errorf("merged = %d, want 3", merged)
	}
}

func TestSynchronousCompletionInInitialize(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{name: "cached", init: func(task *engine.Task) { task.Succeed("cached") }}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	if w.notified != 1 || !w.ok {
		t.Errorf("notified = %d, ok = %v, want one success", w.notified, w.ok)
	}
	if task.Payload() != "cached" {
		t.Errorf("payload = %v, want cached", task.Payload())
	}
}

func TestFinalizePanicStillCompletes(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{name: "boom", finalize: func(*engine.Task) { panic("cache corrupted") }}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	if w.notified != 1 {
		t.Fatalf("notified = %d, want 1", w.notified)
	}
	if task.State() != model.StateCompleted {
		t.Errorf("state = %q, want %q", task.State(), model.StateCompleted)
	}
}

func TestInitializePanicFailsTask(t *testing.T) {
	s := newTestScheduler(t)
	w := &fakeWork{name: "boom", init: func(*engine.Task) { panic("bad input") }}
	if err := s.Submit(engine.NewTask(owner0, w)); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	if w.notified != 1 || w.ok {
		t.Errorf("notified = %d, ok = %v, want one failure", w.notified, w.ok)
	}
}

type pollWork struct {
	fakeWork
	polls int
}

func (w *pollWork) Initialize(*engine.Task) {}

func (w *pollWork) Poll(t *engine.Task) {
	w.polls++
	if w.polls == 3 {
		t.Succeed(w.polls)
	}
}

func TestPollerCompletesExplicitly(t *testing.T) {
	s := newTestScheduler(t)
	w := &pollWork{fakeWork: fakeWork{name: "poll"}}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	s.Drive()
	s.Drive()
	if w.notified != 0 {
		t.Fatal("poller completed early")
	}
	s.Drive()
	if w.notified != 1 {
		t.Errorf("notified = %d, want 1", w.notified)
	}
	if task.Payload() != 3 {
		t.Errorf("payload = %v, want 3", task.Payload())
	}
}

func TestPostRunsOnNextDrive(t *testing.T) {
	s := newTestScheduler(t)
	ran := 0
	s.Post(func() { ran++ })
	s.Post(func() { panic("ignored") })
	s.Post(func() { ran++ })
	if ran != 0 {
		t.Fatal("Post ran inline")
	}
	s.Drive()
	if ran != 2 {
		t.Errorf("ran = %d, want 2", ran)
	}
}

func TestRunDrivesUntilCanceled(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	w := &fakeWork{
		name: "run",
		init: func(task *engine.Task) {
			tok := task.Token(nil)
			go tok.Succeed(nil)
		},
		finalize: func(*engine.Task) { close(done) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	if err := s.Submit(engine.NewTask(owner0, w)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not completed by Run")
	}
	if !s.Running() {
		t.Error("Running = false while Run is driving")
	}
	if s.LastDrive().IsZero() {
		t.Error("LastDrive not recorded")
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if s.Running() {
		t.Error("Running = true after Run returned")
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := engine.NewScheduler(st, logger)
	t.Cleanup(s.Close)

	okWork := &fakeWork{name: "ok"}
	badWork := &fakeWork{name: "bad", validate: engine.ErrorID("bad-input")}
	okTask := engine.NewTask(owner0, okWork)
	badTask := engine.NewTask(owner0, badWork)
	if err := s.Submit(okTask); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(badTask); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	ctx := context.Background()
	if err := s.FlushJournal(ctx); err != nil {
		t.Fatalf("FlushJournal: %v", err)
	}
	got, err := st.GetTask(ctx, okTask.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != model.StateCompleted || got.Outcome != model.OutcomeSuccess {
		t.Errorf("ok task = %s/%s, want completed/success", got.State, got.Outcome)
	}
	if got.StartedAt == nil || got.DurationMS == nil {
		t.Error("ok task missing started_at or duration")
	}

	got, err = st.GetTask(ctx, badTask.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Outcome != model.OutcomeInvalidState || got.ErrorID != "bad-input" {
		t.Errorf("bad task = %s/%s, want invalid-state/bad-input", got.Outcome, got.ErrorID)
	}
}

func TestTransitionsPublished(t *testing.T) {
	s := newTestScheduler(t)
	var tok *engine.Token
	w := &fakeWork{name: "watched", init: func(task *engine.Task) { tok = task.Token(nil) }}
	task := engine.NewTask(owner0, w)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}

	ch, unsub := s.Broker().Subscribe(task.ID)
	defer unsub()

	s.Drive()
	tok.Succeed(nil)
	s.Drive()

	var states []string
	for tr := range ch {
		states = append(states, tr.To)
	}
	want := []string{model.StateInitializing, model.StateAwaitingBackend, model.StateFinalizing, model.StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

// slowStore delays every journal write.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) CreateTask(ctx context.Context, r *model.TaskRecord) error {
	time.Sleep(s.delay)
	return s.Store.CreateTask(ctx, r)
}

func (s slowStore) UpdateTaskState(ctx context.Context, id, state string) error {
	time.Sleep(s.delay)
	return s.Store.UpdateTaskState(ctx, id, state)
}

func (s slowStore) CompleteTask(ctx context.Context, r *model.TaskRecord) error {
	time.Sleep(s.delay)
	return s.Store.CompleteTask(ctx, r)
}

func TestSlowJournalDoesNotBlock(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	const delay = 200 * time.Millisecond
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := engine.NewScheduler(slowStore{Store: st, delay: delay}, logger)
	t.Cleanup(s.Close)

	w := &fakeWork{name: "quick"}
	task := engine.NewTask(owner0, w)

	start := time.Now()
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= delay/2 {
		t.Errorf("Submit took %v with a %v journal", elapsed, delay)
	}

	start = time.Now()
	s.Drive()
	if elapsed := time.Since(start); elapsed >= delay/2 {
		t.Errorf("Drive took %v with a %v journal", elapsed, delay)
	}
	if w.notified != 1 || !w.ok {
		t.Fatalf("notified = %d ok = %v, want 1 true", w.notified, w.ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.FlushJournal(ctx); err != nil {
		t.Fatalf("FlushJournal: %v", err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != model.StateCompleted || got.Outcome != model.OutcomeSuccess {
		t.Errorf("journaled = %s/%s, want completed/success", got.State, got.Outcome)
	}
}

func TestJournalWriteTimeout(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := engine.NewScheduler(blockingStore{Store: st}, logger, engine.WithJournalTimeout(20*time.Millisecond))
	t.Cleanup(s.Close)

	if err := s.Submit(engine.NewTask(owner0, &fakeWork{name: "stuck"})); err != nil {
		t.Fatal(err)
	}
	s.Drive()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.FlushJournal(ctx); err != nil {
		t.Fatalf("journal writes were not bounded: %v", err)
	}
}

// blockingStore never finishes a create until its context ends.
type blockingStore struct {
	store.Store
}

func (s blockingStore) CreateTask(ctx context.Context, _ *model.TaskRecord) error {
	<-ctx.Done()
	return ctx.Err()
}
