// Package session tracks a local user's named game sessions, pending invites
// and restorable sessions, and recovers them across real-time channel loss.
package session

import (
	"encoding/json"
	"maps"
	"net/url"
	"slices"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// Error identifiers.
const (
	ErrIDNoSession       = "game-session-not-found"
	ErrIDJoin            = "join-game-session-request-failed"
	ErrIDInvite          = "send-game-session-invite-request-failed"
	ErrIDUnregister      = "unregister-server-request-failed"
	ErrIDRestoreSessions = "restore-game-sessions-request-failed"
)

// Local session states.
const (
	StateCreating   = "creating"
	StatePending    = "pending"
	StateInProgress = "in-progress"
)

// Member statuses reported by the backend.
const (
	MemberJoined  = "JOINED"
	MemberInvited = "INVITED"
	MemberLeft    = "LEFT"
)

// Push kinds handled by Sessions.
const (
	PushInvited        = "gameSessionInvited"
	PushMembersChanged = "gameSessionMembersChanged"
	PushKicked         = "gameSessionKicked"
)

// ServerQueue is the serial queue dedicated server tasks share.
const ServerQueue = "server"

// Member is one participant of a game session.
type Member struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Backend is the backend view of a game session.
type Backend struct {
	ID          string   `json:"id"`
	Joinability string   `json:"joinability,omitempty"`
	ServerType  string   `json:"serverType,omitempty"`
	Members     []Member `json:"members,omitempty"`
}

// Session is a named local session.
type Session struct {
	Name       string   `json:"name"`
	ID         string   `json:"id"`
	State      string   `json:"state"`
	Backend    Backend  `json:"backend"`
	Registered []string `json:"registered,omitempty"`
}

// Invite is a pending invitation to a game session.
type Invite struct {
	SessionID string `json:"sessionID"`
	SenderID  string `json:"senderID"`
}

type invitedPush struct {
	SessionID string `json:"sessionID"`
	SenderID  string `json:"senderID"`
}

type membersPush struct {
	SessionID string   `json:"sessionID"`
	Members   []Member `json:"members"`
}

type restoreResponse struct {
	Data []Backend `json:"data"`
}

// ownerState is everything held for one local user.
type ownerState struct {
	named       map[string]*Session
	invites     map[string]Invite
	restorable  map[string]Backend
	placeholder string
}

// Sessions owns the game session state of every local user. Its methods run
// on the designated goroutine.
type Sessions struct {
	env    feature.Env
	owners map[string]*ownerState

	dsHubConnected bool
}

// New creates an empty Sessions.
func New(env feature.Env) *Sessions {
	return &Sessions{env: env, owners: make(map[string]*ownerState)}
}

func (s *Sessions) state(owner model.Owner) *ownerState {
	st, ok := s.owners[owner.Key()]
	if !ok {
		st = &ownerState{
			named:      make(map[string]*Session),
			invites:    make(map[string]Invite),
			restorable: make(map[string]Backend),
		}
		s.owners[owner.Key()] = st
	}
	return st
}

// Name implements connection.Collaborator.
func (s *Sessions) Name() string { return "session" }

// RegisterRealtimeHandlers implements connection.Collaborator.
func (s *Sessions) RegisterRealtimeHandlers(owner model.Owner, subs *connection.Subscriptions) {
	subs.On(PushInvited, s.onInvited)
	subs.On(PushMembersChanged, s.onMembersChanged)
	subs.On(PushKicked, s.onKicked)
}

// NamedSession returns owner's session called name.
func (s *Sessions) NamedSession(owner model.Owner, name string) (Session, bool) {
	sess, ok := s.state(owner).named[name]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// SessionNames returns the names of owner's sessions in sorted order.
func (s *Sessions) SessionNames(owner model.Owner) []string {
	return slices.Sorted(maps.Keys(s.state(owner).named))
}

// RemoveNamedSession drops owner's session called name.
func (s *Sessions) RemoveNamedSession(owner model.Owner, name string) {
	delete(s.state(owner).named, name)
}

// Invites returns owner's pending invites keyed by session id.
func (s *Sessions) Invites(owner model.Owner) map[string]Invite {
	return maps.Clone(s.state(owner).invites)
}

// RemoveInviteByID drops owner's invite for sessionID.
func (s *Sessions) RemoveInviteByID(owner model.Owner, sessionID string) {
	delete(s.state(owner).invites, sessionID)
}

// Restorable returns the sessions found by the last restore, keyed by id.
func (s *Sessions) Restorable(owner model.Owner) map[string]Backend {
	return maps.Clone(s.state(owner).restorable)
}

// RemoveRestoreSessionByID drops a restorable session entry.
func (s *Sessions) RemoveRestoreSessionByID(owner model.Owner, sessionID string) {
	delete(s.state(owner).restorable, sessionID)
}

// AddRestorePlaceholder records that sessionID is being restored for owner.
// A restoring JoinGameSession sets it until it completes.
func (s *Sessions) AddRestorePlaceholder(owner model.Owner, sessionID string) {
	s.state(owner).placeholder = sessionID
}

// RestorePlaceholder returns owner's restore placeholder, if any.
func (s *Sessions) RestorePlaceholder(owner model.Owner) (string, bool) {
	p := s.state(owner).placeholder
	return p, p != ""
}

// RemoveRestorePlaceholder implements connection.SessionStore.
func (s *Sessions) RemoveRestorePlaceholder(owner model.Owner) {
	s.state(owner).placeholder = ""
}

// TeardownLocal implements connection.SessionStore. Every session, invite
// and restore entry held for owner is dropped.
func (s *Sessions) TeardownLocal(owner model.Owner) {
	if st, ok := s.owners[owner.Key()]; ok {
		s.env.Logger.Info("tearing down local sessions", "owner", owner.Key(), "sessions", len(st.named))
	}
	delete(s.owners, owner.Key())
}

// RestoreSessions implements connection.SessionStore by submitting a
// restore task whose result is only logged.
func (s *Sessions) RestoreSessions(owner model.Owner) {
	if _, err := s.QueryRestorableSessions(owner, nil); err != nil {
		s.env.Logger.Warn("restore sessions not submitted", "owner", owner.Key(), "error", err)
	}
}

// QueryRestorableSessions fetches the game sessions the backend still holds
// for owner, alongside owner's serial tasks. The task payload is the number
// found.
func (s *Sessions) QueryRestorableSessions(owner model.Owner, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &restoreWork{s: s, owner: owner, done: done}, engine.Parallel())
	return t, s.env.Scheduler.Submit(t)
}

// DSHubConnected reports whether the dedicated server hub link is up.
func (s *Sessions) DSHubConnected() bool { return s.dsHubConnected }

// ConnectToDSHub marks the dedicated server hub link as up.
func (s *Sessions) ConnectToDSHub() { s.dsHubConnected = true }

// DisconnectFromDSHub marks the dedicated server hub link as down.
func (s *Sessions) DisconnectFromDSHub() { s.dsHubConnected = false }

// JoinGameSession joins sessionID under name. With restore set the session
// is one the backend already holds for owner, so its details are fetched
// instead of joining again. The task payload is the session name.
func (s *Sessions) JoinGameSession(owner model.Owner, name, sessionID string, restore bool, done feature.Delegate) (*engine.Task, error) {
	w := &joinWork{s: s, owner: owner, name: name, sessionID: sessionID, restore: restore, done: done}
	t := engine.NewTask(owner, w)
	return t, s.env.Scheduler.Submit(t)
}

// SendGameSessionInvite invites recipientID to owner's session called name.
func (s *Sessions) SendGameSessionInvite(owner model.Owner, name, recipientID string, done feature.Delegate) (*engine.Task, error) {
	w := &inviteWork{s: s, owner: owner, name: name, recipient: recipientID, done: done}
	t := engine.NewTask(owner, w)
	return t, s.env.Scheduler.Submit(t)
}

// UnregisterServer asks the server manager to shut down the dedicated
// server hosting owner's session called name.
func (s *Sessions) UnregisterServer(owner model.Owner, name string, done feature.Delegate) (*engine.Task, error) {
	w := &unregisterWork{s: s, owner: owner, name: name, done: done}
	t := engine.NewTask(owner, w, engine.WithQueue(ServerQueue))
	return t, s.env.Scheduler.Submit(t)
}

func (s *Sessions) byID(owner model.Owner, sessionID string) (*Session, bool) {
	for _, sess := range s.state(owner).named {
		if sess.ID == sessionID {
			return sess, true
		}
	}
	return nil, false
}

func (s *Sessions) onInvited(owner model.Owner, payload json.RawMessage) {
	var p invitedPush
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		s.env.Logger.Warn("bad session invite push", "owner", owner.Key())
		return
	}
	s.state(owner).invites[p.SessionID] = Invite(p)
}

func (s *Sessions) onMembersChanged(owner model.Owner, payload json.RawMessage) {
	var p membersPush
	if err := json.Unmarshal(payload, &p); err != nil {
		s.env.Logger.Warn("bad members push", "owner", owner.Key(), "error", err)
		return
	}
	sess, ok := s.byID(owner, p.SessionID)
	if !ok {
		return
	}
	sess.Backend.Members = p.Members
	sess.Registered = joined(p.Members)
}

func (s *Sessions) onKicked(owner model.Owner, payload json.RawMessage) {
	var p membersPush
	if err := json.Unmarshal(payload, &p); err != nil {
		s.env.Logger.Warn("bad kick push", "owner", owner.Key(), "error", err)
		return
	}
	if sess, ok := s.byID(owner, p.SessionID); ok {
		s.env.Logger.Info("kicked from game session", "owner", owner.Key(), "session", sess.Name)
		delete(s.state(owner).named, sess.Name)
	}
}

func joined(members []Member) []string {
	var ids []string
	for _, m := range members {
		if m.Status == MemberJoined {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func resolveSession(env feature.Env) (backend.Caller, error) {
	return env.Registry.Resolve(backend.ServiceSession)
}

type joinWork struct {
	s         *Sessions
	owner     model.Owner
	name      string
	sessionID string
	restore   bool
	done      feature.Delegate
	caller    backend.Caller
	details   Backend
}

func (w *joinWork) Name() string { return "join-game-session" }

func (w *joinWork) Validate() (err error) {
	w.caller, err = resolveSession(w.s.env)
	return err
}

func (w *joinWork) Initialize(t *engine.Task) {
	st := w.s.state(w.owner)
	if w.sessionID == "" {
		t.Fail(model.OutcomeInvalidState, ErrIDNoSession)
		return
	}
	if _, ok := st.named[w.name]; !ok {
		st.named[w.name] = &Session{Name: w.name, ID: w.sessionID, State: StateCreating}
	}
	if w.restore {
		w.s.AddRestorePlaceholder(w.owner, w.sessionID)
	}

	path := "/v2/public/gamesessions/" + url.PathEscape(w.sessionID)
	req := backend.Request{Method: "POST", Path: path + "/join", Token: w.s.env.Token(w.owner)}
	if w.restore {
		req = backend.Request{Method: "GET", Path: path, Token: w.s.env.Token(w.owner)}
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDJoin, func(t *engine.Task, r engine.Result) {
		if err := feature.Decode(r, &w.details); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDJoin)
			return
		}
		t.Succeed(w.name)
	}))
}

func (w *joinWork) Finalize(t *engine.Task) {
	if p, ok := w.s.RestorePlaceholder(w.owner); ok && w.restore && p == w.sessionID {
		w.s.RemoveRestorePlaceholder(w.owner)
	}
	if !t.OK() {
		w.s.RemoveNamedSession(w.owner, w.name)
		return
	}
	sess, ok := w.s.state(w.owner).named[w.name]
	if !ok {
		return
	}
	sess.Backend = w.details
	sess.State = StatePending
	sess.Registered = joined(w.details.Members)
	w.s.RemoveRestoreSessionByID(w.owner, sess.ID)
	w.s.RemoveInviteByID(w.owner, sess.ID)
}

func (w *joinWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type inviteWork struct {
	s         *Sessions
	owner     model.Owner
	name      string
	recipient string
	done      feature.Delegate
	caller    backend.Caller
}

func (w *inviteWork) Name() string { return "send-game-session-invite" }

func (w *inviteWork) Validate() (err error) {
	w.caller, err = resolveSession(w.s.env)
	return err
}

func (w *inviteWork) Initialize(t *engine.Task) {
	sess, ok := w.s.state(w.owner).named[w.name]
	if !ok {
		w.s.env.Logger.Warn("invite for unknown session", "owner", w.owner.Key(), "session", w.name)
		t.Fail(model.OutcomeInvalidState, ErrIDNoSession)
		return
	}
	req := backend.Request{
		Method: "POST",
		Path:   "/v2/public/gamesessions/" + url.PathEscape(sess.ID) + "/invite",
		Body:   map[string]string{"userID": w.recipient},
		Token:  w.s.env.Token(w.owner),
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDInvite, nil))
}

func (w *inviteWork) Finalize(*engine.Task) {}

func (w *inviteWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type unregisterWork struct {
	s      *Sessions
	owner  model.Owner
	name   string
	done   feature.Delegate
	caller backend.Caller
}

func (w *unregisterWork) Name() string { return "unregister-server" }

func (w *unregisterWork) Validate() (err error) {
	w.caller, err = w.s.env.Registry.Resolve(backend.ServiceDSM)
	return err
}

func (w *unregisterWork) Initialize(t *engine.Task) {
	sess, ok := w.s.state(w.owner).named[w.name]
	if !ok || sess.ID == "" {
		t.Fail(model.OutcomeInvalidState, ErrIDNoSession)
		return
	}
	req := backend.Request{
		Method: "POST",
		Path:   "/dsm/shutdown",
		Body:   map[string]any{"kill_me": false, "session_id": sess.ID},
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDUnregister, nil))
}

func (w *unregisterWork) Finalize(t *engine.Task) {
	if t.OK() {
		w.s.DisconnectFromDSHub()
	}
}

func (w *unregisterWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }

type restoreWork struct {
	s      *Sessions
	owner  model.Owner
	done   feature.Delegate
	caller backend.Caller
	found  []Backend
}

func (w *restoreWork) Name() string { return "restore-game-sessions" }

func (w *restoreWork) Validate() (err error) {
	w.caller, err = resolveSession(w.s.env)
	return err
}

func (w *restoreWork) Initialize(t *engine.Task) {
	req := backend.Request{Method: "GET", Path: "/v2/public/users/me/gamesessions", Token: w.s.env.Token(w.owner)}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDRestoreSessions, func(t *engine.Task, r engine.Result) {
		var resp restoreResponse
		if err := feature.Decode(r, &resp); err != nil {
			t.Fail(model.OutcomeRequestFailed, ErrIDRestoreSessions)
			return
		}
		w.found = resp.Data
		t.Succeed(len(resp.Data))
	}))
}

func (w *restoreWork) Finalize(t *engine.Task) {
	if !t.OK() {
		return
	}
	st := w.s.state(w.owner)
	clear(st.restorable)
	for _, b := range w.found {
		st.restorable[b.ID] = b
	}
}

func (w *restoreWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
