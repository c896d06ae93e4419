// Package feature holds what the feature collaborators share: the
// environment they are built from, the completion they report, and the
// helper that binds a backend call to a task's completion token.
package feature

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/model"
)

// Credentials supplies the access token of a local user.
type Credentials interface {
	Credential(owner model.Owner) (string, bool)
}

// Env is the explicit context a collaborator is constructed with. It ties
// the collaborator's lifetime to one client session.
type Env struct {
	Scheduler   *engine.Scheduler
	Registry    *backend.Registry
	Credentials Credentials
	Logger      *slog.Logger
}

// Token returns owner's access token, or "" when none is known.
func (e Env) Token(owner model.Owner) string {
	if e.Credentials == nil {
		return ""
	}
	tok, _ := e.Credentials.Credential(owner)
	return tok
}

// Completion is the notification a collaborator delivers when one of its
// tasks completes. ErrorID is empty exactly when OK is true.
type Completion struct {
	Owner   model.Owner
	OK      bool
	Payload any
	ErrorID string
}

// Delegate receives a Completion on the designated goroutine.
type Delegate func(Completion)

// Complete builds t's Completion and hands it to done, if set.
func Complete(t *engine.Task, done Delegate) {
	if done == nil {
		return
	}
	done(Completion{
		Owner:   t.Owner,
		OK:      t.OK(),
		Payload: t.Payload(),
		ErrorID: t.ErrorID(),
	})
}

// Call issues req through caller on behalf of t. apply runs on the designated
// goroutine once the call resolves.
func Call(t *engine.Task, caller backend.Caller, req backend.Request, apply func(*engine.Task, engine.Result)) {
	tok := t.Token(apply)
	caller.Issue(t.Context(), req, tok.Succeed, tok.Fail)
}

// Decode unmarshals a response payload into v.
func Decode(r engine.Result, v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FailOn returns an apply function that fails the task with errorID when
// the call fails and otherwise passes the result to onOK.
func FailOn(errorID string, onOK func(*engine.Task, engine.Result)) func(*engine.Task, engine.Result) {
	return func(t *engine.Task, r engine.Result) {
		if !r.OK {
			t.Fail(model.OutcomeRequestFailed, errorID)
			return
		}
		if onOK != nil {
			onOK(t, r)
		}
	}
}
