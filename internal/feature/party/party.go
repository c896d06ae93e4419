// Package party caches each local user's party and restores it from the
// backend after the real-time channel recovers.
package party

import (
	"encoding/json"
	"slices"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// ErrIDRestoreParties is reported when the party lookup fails.
const ErrIDRestoreParties = "restore-parties-request-failed"

// Push kinds handled by Parties.
const (
	PushJoin       = "partyJoin"
	PushLeave      = "partyLeave"
	PushKick       = "partyKick"
	PushDataUpdate = "partyDataUpdate"
)

// Party is a local user's current party.
type Party struct {
	ID      string          `json:"partyId"`
	Leader  string          `json:"leaderId"`
	Members []string        `json:"members"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type memberPush struct {
	PartyID string `json:"partyId"`
	UserID  string `json:"userId"`
}

type dataPush struct {
	PartyID string          `json:"partyId"`
	Leader  string          `json:"leaderId"`
	Members []string        `json:"members"`
	Data    json.RawMessage `json:"data"`
}

// Parties owns the party cache. Its methods run on the designated goroutine.
type Parties struct {
	env     feature.Env
	parties map[string]Party
}

// New creates an empty Parties.
func New(env feature.Env) *Parties {
	return &Parties{env: env, parties: make(map[string]Party)}
}

// Name implements connection.Collaborator.
func (p *Parties) Name() string { return "party" }

// RegisterRealtimeHandlers implements connection.Collaborator.
func (p *Parties) RegisterRealtimeHandlers(owner model.Owner, subs *connection.Subscriptions) {
	subs.On(PushJoin, p.onJoin)
	subs.On(PushLeave, p.onLeave)
	subs.On(PushKick, p.onKick)
	subs.On(PushDataUpdate, p.onDataUpdate)
}

// Party returns owner's cached party.
func (p *Parties) Party(owner model.Owner) (Party, bool) {
	party, ok := p.parties[owner.Key()]
	return party, ok
}

// SetParty replaces owner's cached party.
func (p *Parties) SetParty(owner model.Owner, party Party) {
	p.parties[owner.Key()] = party
}

// RemoveParty implements connection.PartyStore.
func (p *Parties) RemoveParty(owner model.Owner) {
	delete(p.parties, owner.Key())
}

// RestoreParties implements connection.PartyStore by submitting a restore
// task whose result is only logged.
func (p *Parties) RestoreParties(owner model.Owner) {
	if _, err := p.Restore(owner, nil); err != nil {
		p.env.Logger.Warn("restore parties not submitted", "owner", owner.Key(), "error", err)
	}
}

// Restore fetches owner's current party from the backend. A user in no
// party ends with an empty cache entry and a nil payload.
func (p *Parties) Restore(owner model.Owner, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &restoreWork{p: p, owner: owner, done: done})
	return t, p.env.Scheduler.Submit(t)
}

func (p *Parties) onJoin(owner model.Owner, payload json.RawMessage) {
	var m memberPush
	if err := json.Unmarshal(payload, &m); err != nil {
		p.env.Logger.Warn("bad party join push", "owner", owner.Key(), "error", err)
		return
	}
	party, ok := p.parties[owner.Key()]
	if !ok || party.ID != m.PartyID || slices.Contains(party.Members, m.UserID) {
		return
	}
	party.Members = append(slices.Clone(party.Members), m.UserID)
	p.parties[owner.Key()] = party
}

func (p *Parties) onLeave(owner model.Owner, payload json.RawMessage) {
	p.dropMember(owner, payload, "leave")
}

func (p *Parties) onKick(owner model.Owner, payload json.RawMessage) {
	p.dropMember(owner, payload, "kick")
}

func (p *Parties) dropMember(owner model.Owner, payload json.RawMessage, kind string) {
	var m memberPush
	if err := json.Unmarshal(payload, &m); err != nil {
		p.env.Logger.Warn("bad party push", "owner", owner.Key(), "kind", kind, "error", err)
		return
	}
	party, ok := p.parties[owner.Key()]
	if !ok || party.ID != m.PartyID {
		return
	}
	if m.UserID == owner.UserID {
		delete(p.parties, owner.Key())
		return
	}
	party.Members = slices.DeleteFunc(slices.Clone(party.Members), func(id string) bool { return id == m.UserID })
	p.parties[owner.Key()] = party
}

func (p *Parties) onDataUpdate(owner model.Owner, payload json.RawMessage) {
	var d dataPush
	if err := json.Unmarshal(payload, &d); err != nil {
		p.env.Logger.Warn("bad party data push", "owner", owner.Key(), "error", err)
		return
	}
	p.parties[owner.Key()] = Party{ID: d.PartyID, Leader: d.Leader, Members: d.Members, Data: d.Data}
}

type restoreWork struct {
	p      *Parties
	owner  model.Owner
	done   feature.Delegate
	caller backend.Caller
	found  Party
}

func (w *restoreWork) Name() string { return "restore-parties" }

func (w *restoreWork) Validate() (err error) {
	w.caller, err = w.p.env.Registry.Resolve(backend.ServiceLobby)
	return err
}

func (w *restoreWork) Initialize(t *engine.Task) {
	req := backend.Request{Method: "GET", Path: "/party/users/me", Token: w.p.env.Token(w.owner)}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDRestoreParties, func(t *engine.Task, r engine.Result) {
		if len(r.Payload) == 0 {
			return
		}
		if err := feature.Decode(r, &w.found); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDRestoreParties)
			return
		}
		if w.found.ID != "" {
			t.Succeed(w.found.ID)
		}
	}))
}

func (w *restoreWork) Finalize(t *engine.Task) {
	if !t.OK() {
		return
	}
	if w.found.ID == "" {
		w.p.RemoveParty(w.owner)
		return
	}
	w.p.SetParty(w.owner, w.found)
}

func (w *restoreWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
