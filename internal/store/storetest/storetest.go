// Package storetest provides a conformance suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/store"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) store.Store

// RunStoreTests runs the complete journal test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, factory) })
	t.Run("ListPaginationAndOrdering", func(t *testing.T) { testListPagination(t, factory) })
	t.Run("ListEmpty", func(t *testing.T) { testListEmpty(t, factory) })
	t.Run("UpdateStateLifecycle", func(t *testing.T) { testUpdateStateLifecycle(t, factory) })
	t.Run("UpdateStateInvalidTransition", func(t *testing.T) { testUpdateStateInvalid(t, factory) })
	t.Run("UpdateStateNotFound", func(t *testing.T) { testUpdateStateNotFound(t, factory) })
	t.Run("CompleteTask", func(t *testing.T) { testCompleteTask(t, factory) })
	t.Run("CompleteTwiceRejected", func(t *testing.T) { testCompleteTwice(t, factory) })
	t.Run("Stats", func(t *testing.T) { testStats(t, factory) })
}

// MakeRecord builds a created-state record with a fresh ID.
func MakeRecord(name string, createdAt time.Time) *model.TaskRecord {
	return &model.TaskRecord{
		ID:        model.NewID(),
		Name:      name,
		Owner:     model.Owner{LocalUserNum: 0, UserID: "user-0"},
		Queue:     "user:0",
		Mode:      model.ModeSerial,
		State:     model.StateCreated,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}
}

func testCreateAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	r := MakeRecord("agreement.get_localized_policy", time.Now())

	if err := s.CreateTask(ctx, r); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ID != r.ID || got.Name != r.Name || got.State != model.StateCreated {
		t.Errorf("got %+v, want id=%s name=%s state=created", got, r.ID, r.Name)
	}
	if got.Owner != r.Owner {
		t.Errorf("Owner = %+v, want %+v", got.Owner, r.Owner)
	}
	if got.Queue != r.Queue || got.Mode != r.Mode {
		t.Errorf("queue/mode = %q/%q, want %q/%q", got.Queue, got.Mode, r.Queue, r.Mode)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func testGetNotFound(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask err = %v, want ErrNotFound", err)
	}
}

func testListPagination(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	var ids []string
	for i := 0; i < 5; i++ {
		r := MakeRecord("user.query_info", base.Add(time.Duration(i)*time.Second))
		if err := s.CreateTask(ctx, r); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
		ids = append(ids, r.ID)
	}

	page, total, err := s.ListTasks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
	// Newest first.
	if page[0].ID != ids[4] || page[1].ID != ids[3] {
		t.Errorf("page order = [%s %s], want [%s %s]", page[0].ID, page[1].ID, ids[4], ids[3])
	}

	last, _, err := s.ListTasks(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListTasks offset: %v", err)
	}
	if len(last) != 1 || last[0].ID != ids[0] {
		t.Errorf("last page = %v, want [%s]", last, ids[0])
	}
}

func testListEmpty(t *testing.T, factory StoreFactory) {
	s := factory(t)
	tasks, total, err := s.ListTasks(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 || len(tasks) != 0 {
		t.Errorf("got %d tasks (total %d), want none", len(tasks), total)
	}
}

func testUpdateStateLifecycle(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	r := MakeRecord("friends.read_list", time.Now())
	if err := s.CreateTask(ctx, r); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for _, state := range []string{model.StateInitializing, model.StateAwaitingBackend, model.StateFinalizing} {
		if err := s.UpdateTaskState(ctx, r.ID, state); err != nil {
			t.Fatalf("UpdateTaskState(%s): %v", state, err)
		}
	}

	got, err := s.GetTask(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != model.StateFinalizing {
		t.Errorf("State = %q, want finalizing", got.State)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set once initializing")
	}
}

func testUpdateStateInvalid(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	r := MakeRecord("catalog.query_offer_by_sku", time.Now())
	if err := s.CreateTask(ctx, r); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	err := s.UpdateTaskState(ctx, r.ID, model.StateFinalizing)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func testUpdateStateNotFound(t *testing.T, factory StoreFactory) {
	s := factory(t)
	err := s.UpdateTaskState(context.Background(), "missing", model.StateInitializing)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func testCompleteTask(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	r := MakeRecord("session.join_game_session", time.Now())
	if err := s.CreateTask(ctx, r); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	dur := 42
	now := time.Now().UTC().Truncate(time.Millisecond)
	done := &model.TaskRecord{
		ID:          r.ID,
		Outcome:     model.OutcomeRequestFailed,
		ErrorID:     "request-failed-join-game-session-error",
		DurationMS:  &dur,
		CompletedAt: &now,
	}
	if err := s.CompleteTask(ctx, done); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := s.GetTask(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != model.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.Outcome != done.Outcome || got.ErrorID != done.ErrorID {
		t.Errorf("outcome/error = %q/%q, want %q/%q", got.Outcome, got.ErrorID, done.Outcome, done.ErrorID)
	}
	if got.DurationMS == nil || *got.DurationMS != 42 {
		t.Errorf("DurationMS = %v, want 42", got.DurationMS)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
	}
}

func testCompleteTwice(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	r := MakeRecord("identity.login_server", time.Now())
	if err := s.CreateTask(ctx, r); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	done := &model.TaskRecord{ID: r.ID, Outcome: model.OutcomeSuccess}
	if err := s.CompleteTask(ctx, done); err != nil {
		t.Fatalf("first CompleteTask: %v", err)
	}
	if err := s.CompleteTask(ctx, done); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second CompleteTask err = %v, want ErrInvalidTransition", err)
	}
}

func testStats(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	outcomes := []string{model.OutcomeSuccess, model.OutcomeSuccess, model.OutcomeInvalidState}
	durations := []int{10, 20, 30}
	for i, outcome := range outcomes {
		r := MakeRecord("user.query_info", time.Now().Add(time.Duration(i)*time.Millisecond))
		if err := s.CreateTask(ctx, r); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		d := durations[i]
		if err := s.CompleteTask(ctx, &model.TaskRecord{ID: r.ID, Outcome: outcome, DurationMS: &d}); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
	}
	pending := MakeRecord("friends.read_list", time.Now())
	if err := s.CreateTask(ctx, pending); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByState[model.StateCompleted] != 3 || stats.CountByState[model.StateCreated] != 1 {
		t.Errorf("CountByState = %v", stats.CountByState)
	}
	if stats.CountByOutcome[model.OutcomeSuccess] != 2 || stats.CountByOutcome[model.OutcomeInvalidState] != 1 {
		t.Errorf("CountByOutcome = %v", stats.CountByOutcome)
	}
	if stats.CountByName["user.query_info"] != 3 || stats.CountByName["friends.read_list"] != 1 {
		t.Errorf("CountByName = %v", stats.CountByName)
	}
	if stats.AvgDurationMS != 20 {
		t.Errorf("AvgDurationMS = %v, want 20", stats.AvgDurationMS)
	}
}
