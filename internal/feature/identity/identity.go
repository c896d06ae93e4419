// Package identity keeps per-user credentials and accounts, performs
// logout, and authenticates dedicated servers with client credentials.
package identity

import (
	"net/url"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/model"
)

// ErrIDServerLogin is reported when client-credential login fails.
const ErrIDServerLogin = "server-login-failed"

// PlatformInfo links an account to its platform identity.
type PlatformInfo struct {
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platform_user_id"`
	DisplayName    string `json:"display_name,omitempty"`
}

// Account is a logged-in local user.
type Account struct {
	Owner     model.Owner  `json:"owner"`
	UserID    string       `json:"user_id"`
	Platform  PlatformInfo `json:"platform"`
	LoginTime time.Time    `json:"login_time"`
}

// ClientCredentials authenticate a dedicated server.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// LogoutFunc is called after a local user has been logged out.
type LogoutFunc func(owner model.Owner, reason string)

// ServerLoginFunc is called after dedicated server n has logged in.
type ServerLoginFunc func(n int)

// Identity owns credentials and accounts for every local user. All methods
// except the task constructors run on the designated goroutine.
type Identity struct {
	env    feature.Env
	client ClientCredentials

	creds      map[string]string
	accounts   map[string]*Account
	servers    map[int]string
	onLogout   []LogoutFunc
	onServer   []ServerLoginFunc
	onConnect  []feature.Delegate
	lastLogout map[string]string
}

// New creates an Identity.
func New(env feature.Env, client ClientCredentials) *Identity {
	return &Identity{
		env:        env,
		client:     client,
		creds:      make(map[string]string),
		accounts:   make(map[string]*Account),
		servers:    make(map[int]string),
		lastLogout: make(map[string]string),
	}
}

// Remember stores the access token and account of a logged-in user.
func (id *Identity) Remember(owner model.Owner, token string, platform PlatformInfo) {
	id.creds[owner.Key()] = token
	id.accounts[owner.Key()] = &Account{
		Owner:     owner,
		UserID:    owner.UserID,
		Platform:  platform,
		LoginTime: time.Now().UTC(),
	}
	delete(id.lastLogout, owner.Key())
}

// Credential implements connection.Identity and feature.Credentials.
func (id *Identity) Credential(owner model.Owner) (string, bool) {
	tok, ok := id.creds[owner.Key()]
	return tok, ok
}

// ForgetCredentials implements connection.Identity.
func (id *Identity) ForgetCredentials(owner model.Owner) {
	delete(id.creds, owner.Key())
}

// Logout implements connection.Identity. The account is removed and every
// logout delegate fires with reason. Credentials are kept; callers that
// must drop them call ForgetCredentials first.
func (id *Identity) Logout(owner model.Owner, reason string) {
	delete(id.accounts, owner.Key())
	id.lastLogout[owner.Key()] = reason
	id.env.Logger.Info("local user logged out", "owner", owner.Key(), "reason", reason)
	for _, fn := range id.onLogout {
		fn(owner, reason)
	}
}

// OnLogout adds a logout delegate.
func (id *Identity) OnLogout(fn LogoutFunc) {
	id.onLogout = append(id.onLogout, fn)
}

// OnServerLogin adds a delegate fired after a successful LoginServer.
func (id *Identity) OnServerLogin(fn ServerLoginFunc) {
	id.onServer = append(id.onServer, fn)
}

// OnConnectComplete adds a delegate fired when a real-time connect attempt
// for a local user finishes.
func (id *Identity) OnConnectComplete(d feature.Delegate) {
	id.onConnect = append(id.onConnect, d)
}

// ConnectComplete relays a finished connect attempt to the connect
// delegates. It matches connection.Hooks.OnConnectComplete.
func (id *Identity) ConnectComplete(owner model.Owner, ok bool, errorID string) {
	c := feature.Completion{Owner: owner, OK: ok, ErrorID: errorID}
	for _, d := range id.onConnect {
		d(c)
	}
}

// Account returns the account of owner.
func (id *Identity) Account(owner model.Owner) (Account, bool) {
	a, ok := id.accounts[owner.Key()]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// LastLogoutReason returns the reason of owner's most recent logout.
func (id *Identity) LastLogoutReason(owner model.Owner) (string, bool) {
	r, ok := id.lastLogout[owner.Key()]
	return r, ok
}

// PlatformInfoByUserID finds the platform identity of the local account
// logged in as userID.
func (id *Identity) PlatformInfoByUserID(userID string) (PlatformInfo, bool) {
	for _, a := range id.accounts {
		if a.UserID == userID {
			return a.Platform, true
		}
	}
	return PlatformInfo{}, false
}

// IsServerAuthenticated reports whether server n has logged in.
func (id *Identity) IsServerAuthenticated(n int) bool {
	_, ok := id.servers[n]
	return ok
}

// LoginServer authenticates dedicated server n with client credentials.
func (id *Identity) LoginServer(n int, done feature.Delegate) (*engine.Task, error) {
	w := &loginServerWork{id: id, server: n, done: done}
	t := engine.NewTask(model.Owner{LocalUserNum: n}, w, engine.WithQueue("server"))
	return t, id.env.Scheduler.Submit(t)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type loginServerWork struct {
	id     *Identity
	server int
	done   feature.Delegate
	caller backend.Caller
	token  string
}

func (w *loginServerWork) Name() string { return "login-server" }

func (w *loginServerWork) Validate() error {
	c, err := w.id.env.Registry.Resolve(backend.ServiceIAM)
	if err != nil {
		return err
	}
	w.caller = c
	return nil
}

func (w *loginServerWork) Initialize(t *engine.Task) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req := backend.Request{
		Method: "POST",
		Path:   "/v3/oauth/token",
		Query:  form,
		Body: map[string]string{
			"client_id":     w.id.client.ClientID,
			"client_secret": w.id.client.ClientSecret,
		},
	}
	feature.Call(t, w.caller, req, feature.FailOn(ErrIDServerLogin, func(t *engine.Task, r engine.Result) {
		var resp tokenResponse
		if err := feature.Decode(r, &resp); err != nil || resp.AccessToken == "" {
			t.Fail(model.OutcomeRequestFailed, ErrIDServerLogin)
			return
		}
		w.token = resp.AccessToken
		t.Succeed(nil)
	}))
}

func (w *loginServerWork) Finalize(t *engine.Task) {
	if t.OK() {
		w.id.servers[w.server] = w.token
		for _, fn := range w.id.onServer {
			fn(w.server)
		}
		return
	}
	w.id.env.Logger.Warn("server login failed", "server", w.server, "error_id", t.ErrorID())
}

func (w *loginServerWork) Notify(t *engine.Task) { feature.Complete(t, w.done) }
