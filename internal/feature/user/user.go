// Package user queries basic account information for remote users and keeps
// it in a cache shared by the other collaborators.
package user

import (
	"errors"
	"slices"
	"strings"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/feature/identity"
	"github.com/seantiz/lobbylink/internal/model"
)

// Error identifiers.
const (
	ErrIDQueryUsers     = "query-users-error-response"
	ErrIDLocalUserIndex = "query-user-local-user-index-out-of-range"
	bulkBasicPath       = "/v3/public/users/bulk/basic"
)

// ErrNoUserIDs is returned by validation when no usable id was supplied.
var ErrNoUserIDs = errors.New("no valid user ids to query")

// Info is the cached view of a remote user. Platform fields are only known
// for users logged in locally.
type Info struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Platform       string `json:"platform,omitempty"`
	PlatformUserID string `json:"platformUserId,omitempty"`
}

// PlatformLookup resolves the platform identity of a locally logged-in user.
type PlatformLookup interface {
	PlatformInfoByUserID(userID string) (identity.PlatformInfo, bool)
}

type bulkResponse struct {
	Data []Info `json:"data"`
}

// Users owns the user info cache. Its methods run on the designated
// goroutine.
type Users struct {
	env       feature.Env
	platforms PlatformLookup
	cache     map[string]Info
}

// New creates an empty Users. platforms may be nil.
func New(env feature.Env, platforms PlatformLookup) *Users {
	return &Users{env: env, platforms: platforms, cache: make(map[string]Info)}
}

// Info returns the cached entry for userID.
func (u *Users) Info(userID string) (Info, bool) {
	i, ok := u.cache[userID]
	return i, ok
}

// Merge adds infos to the cache, replacing older entries. Entries for
// local users take their platform identity from the local account, and its
// display name when the backend sent none.
func (u *Users) Merge(infos []Info) {
	for _, i := range infos {
		if u.platforms != nil {
			if p, ok := u.platforms.PlatformInfoByUserID(i.UserID); ok {
				i.Platform = p.Platform
				i.PlatformUserID = p.PlatformUserID
				if i.DisplayName == "" {
					i.DisplayName = p.DisplayName
				}
			}
		}
		u.cache[i.UserID] = i
	}
}

// CleanIDs trims ids, drops empty entries and duplicates, keeping order.
func CleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// QueryUserInfo fetches ids into the cache. The task runs in parallel with
// owner's serial work; its payload is the list of ids returned.
func (u *Users) QueryUserInfo(owner model.Owner, ids []string, done feature.Delegate) (*engine.Task, error) {
	w := &queryWork{u: u, owner: owner, ids: CleanIDs(ids), done: done}
	t := engine.NewTask(owner, w, engine.Parallel())
	return t, u.env.Scheduler.Submit(t)
}

// Fetch issues a bulk lookup for ids on behalf of t. onOK receives the
// decoded entries; any failure fails t with failID.
func (u *Users) Fetch(t *engine.Task, caller backend.Caller, ids []string, failID string, onOK func(*engine.Task, []Info)) {
	req := backend.Request{
		Method: "POST",
		Path:   bulkBasicPath,
		Body:   map[string][]string{"userIds": ids},
		Token:  u.env.Token(t.Owner),
	}
	feature.Call(t, caller, req, feature.FailOn(failID, func(t *engine.Task, r engine.Result) {
		var resp bulkResponse
		if err := feature.Decode(r, &resp); err != nil {
			u.env.Logger.Warn("bad bulk user response", "error", err)
			t.Fail(model.OutcomeRequestFailed, failID)
			return
		}
		onOK(t, resp.Data)
	}))
}

type queryWork struct {
	u       *Users
	owner   model.Owner
	ids     []string
	done    feature.Delegate
	caller  backend.Caller
	queried []Info
}

func (w *queryWork) Name() string { return "query-user-info" }

func (w *queryWork) Validate() error {
	if !w.owner.Valid() {
		return engine.ErrorID(ErrIDLocalUserIndex)
	}
	if len(w.ids) == 0 {
		return ErrNoUserIDs
	}
	c, err := w.u.env.Registry.Resolve(backend.ServiceIAM)
	if err != nil {
		return err
	}
	w.caller = c
	return nil
}

func (w *queryWork) Initialize(t *engine.Task) {
	w.u.Fetch(t, w.caller, w.ids, ErrIDQueryUsers, func(t *engine.Task, infos []Info) {
		w.queried = infos
		ids := make([]string, 0, len(infos))
		for _, i := range infos {
			ids = append(ids, i.UserID)
		}
		t.Succeed(ids)
	})
}

func (w *queryWork) Finalize(t *engine.Task) {
	if t.OK() {
		w.u.Merge(w.queried)
	}
}

func (w *queryWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
