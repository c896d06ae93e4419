package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each transition subscriber.
// Transitions are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Transition is one lifecycle state change of a task.
type Transition struct {
	TaskID string    `json:"task_id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// TransitionBroker fans out per-task state transitions to subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribing after a task has
// completed yields a closed channel instead of one that never closes.
type TransitionBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Transition
	nextID int
	closed bool
}

// NewTransitionBroker creates an empty broker.
func NewTransitionBroker() *TransitionBroker {
	return &TransitionBroker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of transitions for taskID and an unsubscribe
// function. If the task has already completed the channel is closed.
func (b *TransitionBroker) Subscribe(taskID string) (<-chan Transition, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan Transition)}
		b.topics[taskID] = t
	}

	ch := make(chan Transition, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends tr to every subscriber of taskID without blocking.
func (b *TransitionBroker) Publish(taskID string, tr Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}

// Close ends the stream for taskID. Subscriber channels are closed.
func (b *TransitionBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &topic{subs: make(map[int]chan Transition), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
