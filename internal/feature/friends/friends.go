// Package friends reads a local user's friends list and keeps it current from
// real-time friend events.
package friends

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/feature/user"
	"github.com/seantiz/lobbylink/internal/model"
)

// ErrIDReadFriendsList is reported when any list request fails.
const ErrIDReadFriendsList = "read-friends-list-request-failed"

// Invite states of a friend entry.
const (
	StatusAccepted        = "accepted"
	StatusPendingInbound  = "pending-inbound"
	StatusPendingOutbound = "pending-outbound"
)

// Push kinds handled by Friends.
const (
	PushFriendRequest         = "friendRequest"
	PushFriendRequestAccepted = "friendRequestAccepted"
	PushFriendRequestCanceled = "friendRequestCanceled"
	PushFriendRequestRejected = "friendRequestRejected"
	PushUnfriend              = "unfriend"
)

// Friend is one entry of a friends list.
type Friend struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status"`
}

type listResponse struct {
	FriendIDs []string `json:"friendIDs"`
}

type friendPush struct {
	FriendID string `json:"friendId"`
}

// Friends owns the per-owner friends lists. Its methods run on the
// designated goroutine.
type Friends struct {
	env   feature.Env
	users *user.Users
	lists map[string]map[string]Friend
}

// New creates an empty Friends. Display names are resolved through users.
func New(env feature.Env, users *user.Users) *Friends {
	return &Friends{env: env, users: users, lists: make(map[string]map[string]Friend)}
}

// Name implements connection.Collaborator.
func (f *Friends) Name() string { return "friends" }

// RegisterRealtimeHandlers implements connection.Collaborator.
func (f *Friends) RegisterRealtimeHandlers(owner model.Owner, subs *connection.Subscriptions) {
	subs.On(PushFriendRequest, f.onStatus(StatusPendingInbound))
	subs.On(PushFriendRequestAccepted, f.onStatus(StatusAccepted))
	subs.On(PushFriendRequestCanceled, f.onRemove)
	subs.On(PushFriendRequestRejected, f.onRemove)
	subs.On(PushUnfriend, f.onRemove)
}

// List returns owner's friends sorted by user id.
func (f *Friends) List(owner model.Owner) []Friend {
	list := f.lists[owner.Key()]
	ids := slices.Sorted(maps.Keys(list))
	out := make([]Friend, 0, len(ids))
	for _, id := range ids {
		out = append(out, list[id])
	}
	return out
}

// Friend returns one entry of owner's list.
func (f *Friends) Friend(owner model.Owner, userID string) (Friend, bool) {
	fr, ok := f.lists[owner.Key()][userID]
	return fr, ok
}

// ReadFriendsList fetches accepted friends and both directions of pending
// requests, then resolves their display names. The task payload is the
// number of entries read.
func (f *Friends) ReadFriendsList(owner model.Owner, done feature.Delegate) (*engine.Task, error) {
	t := engine.NewTask(owner, &readWork{f: f, owner: owner, done: done})
	return t, f.env.Scheduler.Submit(t)
}

func (f *Friends) list(owner model.Owner) map[string]Friend {
	l, ok := f.lists[owner.Key()]
	if !ok {
		l = make(map[string]Friend)
		f.lists[owner.Key()] = l
	}
	return l
}

func (f *Friends) onStatus(status string) connection.PushHandler {
	return func(owner model.Owner, payload json.RawMessage) {
		var p friendPush
		if err := json.Unmarshal(payload, &p); err != nil || p.FriendID == "" {
			f.env.Logger.Warn("bad friend push", "owner", owner.Key(), "status", status)
			return
		}
		fr := Friend{UserID: p.FriendID, Status: status}
		if info, ok := f.users.Info(p.FriendID); ok {
			fr.DisplayName = info.DisplayName
		}
		f.list(owner)[p.FriendID] = fr
	}
}

func (f *Friends) onRemove(owner model.Owner, payload json.RawMessage) {
	var p friendPush
	if err := json.Unmarshal(payload, &p); err != nil {
		f.env.Logger.Warn("bad friend push", "owner", owner.Key(), "error", err)
		return
	}
	delete(f.lists[owner.Key()], p.FriendID)
}

type readWork struct {
	f     *Friends
	owner model.Owner
	done  feature.Delegate

	social backend.Caller
	iam    backend.Caller
	found  map[string]Friend
	infos  []user.Info
}

func (w *readWork) Name() string { return "read-friends-list" }

func (w *readWork) Validate() error {
	if !w.owner.Valid() {
		return engine.ErrorID(ErrIDReadFriendsList)
	}
	var err error
	if w.social, err = w.f.env.Registry.Resolve(backend.ServiceSocial); err != nil {
		return err
	}
	if w.iam, err = w.f.env.Registry.Resolve(backend.ServiceIAM); err != nil {
		return err
	}
	return nil
}

func (w *readWork) Initialize(t *engine.Task) {
	w.found = make(map[string]Friend)
	token := w.f.env.Token(w.owner)
	lists := []struct {
		path   string
		status string
	}{
		{"/friends/me", StatusAccepted},
		{"/friends/me/incoming-requests", StatusPendingInbound},
		{"/friends/me/outgoing-requests", StatusPendingOutbound},
	}
	for _, l := range lists {
		req := backend.Request{Method: "GET", Path: l.path, Token: token}
		feature.Call(t, w.social, req, feature.FailOn(ErrIDReadFriendsList, func(t *engine.Task, r engine.Result) {
			w.collect(t, r, l.status)
		}))
	}
}

// collect records one list. Once no list call is pending the display name
// lookup starts.
func (w *readWork) collect(t *engine.Task, r engine.Result, status string) {
	var resp listResponse
	if err := feature.Decode(r, &resp); err != nil {
		t.Fail(model.OutcomeRequestFailed, ErrIDReadFriendsList)
		return
	}
	for _, id := range resp.FriendIDs {
		w.found[id] = Friend{UserID: id, Status: status}
	}
	if t.Pending() > 0 {
		return
	}
	if len(w.found) == 0 {
		t.Succeed(0)
		return
	}
	ids := slices.Sorted(maps.Keys(w.found))
	w.f.users.Fetch(t, w.iam, ids, ErrIDReadFriendsList, func(t *engine.Task, infos []user.Info) {
		w.infos = infos
		for _, info := range infos {
			if fr, ok := w.found[info.UserID]; ok {
				fr.DisplayName = info.DisplayName
				w.found[info.UserID] = fr
			}
		}
		t.Succeed(len(w.found))
	})
}

func (w *readWork) Finalize(t *engine.Task) {
	if !t.OK() {
		return
	}
	w.f.users.Merge(w.infos)
	w.f.lists[w.owner.Key()] = w.found
}

func (w *readWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
