package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/store"
)

// DefaultJournalTimeout bounds each journal write.
const DefaultJournalTimeout = 5 * time.Second

// journalOp is one queued write. A nil write is a flush barrier.
type journalOp struct {
	taskID string
	what   string
	write  func(ctx context.Context) error
	done   chan struct{}
}

// journal writes task records to a store on its own goroutine, in the order
// they were queued. Queuing never blocks.
type journal struct {
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	queue   []journalOp
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

func newJournal(s store.Store, logger *slog.Logger, timeout time.Duration) *journal {
	j := &journal{
		store:   s,
		logger:  logger,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go j.loop()
	return j
}

func (j *journal) enqueue(op journalOp) bool {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return false
	}
	j.queue = append(j.queue, op)
	j.mu.Unlock()

	select {
	case j.signal <- struct{}{}:
	default:
	}
	return true
}

func (j *journal) create(r *model.TaskRecord) {
	j.enqueue(journalOp{taskID: r.ID, what: "create", write: func(ctx context.Context) error {
		return j.store.CreateTask(ctx, r)
	}})
}

func (j *journal) state(id, state string) {
	j.enqueue(journalOp{taskID: id, what: "transition to " + state, write: func(ctx context.Context) error {
		return j.store.UpdateTaskState(ctx, id, state)
	}})
}

func (j *journal) complete(r *model.TaskRecord) {
	j.enqueue(journalOp{taskID: r.ID, what: "complete", write: func(ctx context.Context) error {
		return j.store.CompleteTask(ctx, r)
	}})
}

// flush waits until every write queued before it has been attempted.
func (j *journal) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !j.enqueue(journalOp{done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting writes and waits for the queue to drain.
func (j *journal) close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.stopped
		return
	}
	j.closed = true
	j.mu.Unlock()

	select {
	case j.signal <- struct{}{}:
	default:
	}
	<-j.stopped
}

func (j *journal) loop() {
	defer close(j.stopped)
	for range j.signal {
		j.mu.Lock()
		batch := j.queue
		j.queue = nil
		closed := j.closed
		j.mu.Unlock()

		for _, op := range batch {
			j.run(op)
		}
		if closed {
			// Nothing can be queued after close.
			return
		}
	}
}

func (j *journal) run(op journalOp) {
	if op.write == nil {
		close(op.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := op.write(ctx); err != nil {
		journalErrorsTotal.Inc()
		j.logger.Error("failed to journal task", "task_id", op.taskID, "op", op.what, "error", err)
	}
}
