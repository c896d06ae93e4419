// Package featuretest provides a scripted backend and a scheduler harness for
// collaborator tests.
package featuretest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// Response is a scripted backend reply. A non-zero Code makes it an error.
type Response struct {
	Body    string
	Code    int
	Message string
}

// Backend is a backend.Caller answering from a table keyed by
// "METHOD path". Unknown routes answer 404.
type Backend struct {
	mu     sync.Mutex
	routes map[string]Response
	calls  []backend.Request

	held    bool
	waiting []func()
}

// NewBackend creates an empty scripted backend.
func NewBackend() *Backend {
	return &Backend{routes: make(map[string]Response)}
}

// On scripts the reply for method and path.
func (b *Backend) On(method, path string, resp Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[method+" "+path] = resp
}

// Hold queues replies until Release, keeping issued calls in flight.
func (b *Backend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = true
}

// Release answers every held call from the routes scripted now and stops
// holding.
func (b *Backend) Release() {
	b.mu.Lock()
	waiting := b.waiting
	b.waiting = nil
	b.held = false
	b.mu.Unlock()

	for _, reply := range waiting {
		go reply()
	}
}

// Issue implements backend.Caller. Handlers run on a new goroutine.
func (b *Backend) Issue(_ context.Context, req backend.Request, onSuccess backend.SuccessHandler, onError backend.ErrorHandler) {
	reply := func() {
		b.mu.Lock()
		resp, ok := b.routes[req.Method+" "+req.Path]
		b.mu.Unlock()

		switch {
		case !ok:
			onError(404, "no route for "+req.Method+" "+req.Path)
		case resp.Code != 0:
			onError(resp.Code, resp.Message)
		default:
			onSuccess([]byte(resp.Body))
		}
	}

	b.mu.Lock()
	b.calls = append(b.calls, req)
	if b.held {
		b.waiting = append(b.waiting, reply)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	go reply()
}

// Calls returns every request issued so far.
func (b *Backend) Calls() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Request(nil), b.calls...)
}

// CallCount returns how many requests matched prefix "METHOD path".
func (b *Backend) CallCount(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.HasPrefix(c.Method+" "+c.Path, prefix) {
			n++
		}
	}
	return n
}

// Creds is a static credential source.
type Creds map[int]string

// Credential implements feature.Credentials.
func (c Creds) Credential(owner model.Owner) (string, bool) {
	tok, ok := c[owner.LocalUserNum]
	return tok, ok
}

// NewEnv builds an Env whose registry maps every service in services to b.
func NewEnv(b backend.Caller, services ...string) feature.Env {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	for _, s := range services {
		reg.Register(s, "/"+s, b)
	}
	return feature.Env{
		Scheduler:   engine.NewScheduler(nil, logger),
		Registry:    reg,
		Credentials: Creds{0: "token-0", 1: "token-1"},
		Logger:      logger,
	}
}

// Recorder collects completions.
type Recorder struct {
	mu   sync.Mutex
	list []feature.Completion
}

// Delegate returns a delegate appending to r.
func (r *Recorder) Delegate() feature.Delegate {
	return func(c feature.Completion) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.list = append(r.list, c)
	}
}

// All returns the completions received.
func (r *Recorder) All() []feature.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feature.Completion(nil), r.list...)
}

// Drive runs the scheduler until task completes.
func Drive(t *testing.T, s *engine.Scheduler, task *engine.Task) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Drive()
		if task.State() == model.StateCompleted {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s not completed, state %s", task.Work.Name(), task.State())
}
