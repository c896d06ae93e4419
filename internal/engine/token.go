package engine

import (
	"sync/atomic"
	"weak"
)

// Token is the completion handle for one backend call. It refers to its task
// weakly, so a backend client holding the token never keeps a task alive.
//
// Succeed and Fail may be called from any goroutine. The first call wins;
// the result is stored only if the task is still alive, not yet completed
// and still expecting this token. Results are applied later, inside Drive.
type Token struct {
	task   weak.Pointer[Task]
	apply  func(*Task, Result)
	fired  atomic.Bool
	result Result
}

func newToken(t *Task, apply func(*Task, Result)) *Token {
	return &Token{task: weak.Make(t), apply: apply}
}

// Succeed delivers a successful response. It matches backend.SuccessHandler.
func (k *Token) Succeed(payload []byte) {
	k.Resolve(Result{OK: true, Payload: payload})
}

// Fail delivers a backend error. It matches backend.ErrorHandler.
func (k *Token) Fail(code int, message string) {
	k.Resolve(Result{Code: code, Message: message})
}

// Resolve hands r to the owning task. It reports whether the result was
// accepted; a dead, completed or superseded task drops it.
func (k *Token) Resolve(r Result) bool {
	if !k.fired.CompareAndSwap(false, true) {
		tokensDroppedTotal.WithLabelValues("duplicate").Inc()
		return false
	}

	t := k.task.Value()
	if t == nil {
		tokensDroppedTotal.WithLabelValues("released").Inc()
		return false
	}

	t.mu.Lock()
	if _, ok := t.outstanding[k]; !ok || t.sealed {
		t.mu.Unlock()
		tokensDroppedTotal.WithLabelValues("completed").Inc()
		return false
	}
	delete(t.outstanding, k)
	k.result = r
	t.resolved = append(t.resolved, k)
	wake := t.wake
	t.mu.Unlock()

	if wake != nil {
		wake()
	}
	return true
}

// Alive reports whether the owning task can still accept this token.
func (k *Token) Alive() bool {
	if k.fired.Load() {
		return false
	}
	t := k.task.Value()
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outstanding[k]
	return ok && !t.sealed
}
