// Package connection manages the per-user real-time channel: connect,
// server disconnect, transport close and reconnect, and the collaborator
// coordination each of those requires.
//
// Every state change happens on the scheduler's designated goroutine.
// Channel events are marshalled there with Scheduler.Post.
package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
)

// State is the connection state of one local user.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Error identifiers reported by connect tasks.
const (
	ErrIDConnect          = "login-failed-lobby-connect-error"
	ErrIDNoCredentials    = "login-failed-lobby-no-credentials"
	ErrIDConnectInFlight  = "login-failed-lobby-connect-in-progress"
	ErrIDInvalidLocalUser = "login-failed-local-user-index-out-of-range"
)

// ErrNoFactory is returned by NewManager without a channel factory.
var ErrNoFactory = errors.New("no channel factory")

// CloseInfo describes the last transport close seen for a user.
type CloseInfo struct {
	StatusCode int       `json:"status_code"`
	Reason     string    `json:"reason"`
	WasClean   bool      `json:"was_clean"`
	Class      string    `json:"class"`
	At         time.Time `json:"at"`
}

// Snapshot is a read-only copy of one user's connection.
type Snapshot struct {
	Owner         model.Owner `json:"owner"`
	State         State       `json:"state"`
	Attached      bool        `json:"attached"`
	Generation    int         `json:"generation"`
	Subscriptions []string    `json:"subscriptions,omitempty"`
	LastClose     *CloseInfo  `json:"last_close,omitempty"`
}

// Config wires a Manager.
type Config struct {
	Scheduler *engine.Scheduler
	Factory   realtime.Factory
	Identity  Identity
	Recovery  Recovery
	// Table defaults to DefaultCloseCodeTable.
	Table *CloseCodeTable
	Hooks Hooks
}

// Manager owns the real-time channel of every local user.
type Manager struct {
	sched    *engine.Scheduler
	factory  realtime.Factory
	identity Identity
	recovery Recovery
	table    *CloseCodeTable
	hooks    Hooks
	logger   *slog.Logger

	collabMu      sync.Mutex
	collaborators []Collaborator

	// Designated goroutine only.
	links map[string]*link

	snapMu sync.RWMutex
	snaps  map[string]Snapshot
}

// link is the per-user connection record.
type link struct {
	owner      model.Owner
	state      State
	attached   bool
	gen        int
	ch         realtime.Channel
	subs       *Subscriptions
	connectTok *engine.Token
	lastClose  *CloseInfo
}

// NewManager creates a manager. Identity and Recovery may be nil, in which
// case the corresponding recovery steps are skipped.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("no scheduler")
	}
	if cfg.Factory == nil {
		return nil, ErrNoFactory
	}
	table := cfg.Table
	if table == nil {
		table = DefaultCloseCodeTable()
	}
	return &Manager{
		sched:    cfg.Scheduler,
		factory:  cfg.Factory,
		identity: cfg.Identity,
		recovery: cfg.Recovery,
		table:    table,
		hooks:    cfg.Hooks,
		logger:   logger,
		links:    make(map[string]*link),
		snaps:    make(map[string]Snapshot),
	}, nil
}

// Register adds a collaborator. Collaborators registered after a user has
// connected receive handlers from the next connect or reconnect.
func (m *Manager) Register(c Collaborator) {
	m.collabMu.Lock()
	defer m.collabMu.Unlock()
	m.collaborators = append(m.collaborators, c)
}

// Collaborators returns the names of registered collaborators.
func (m *Manager) Collaborators() []string {
	m.collabMu.Lock()
	defer m.collabMu.Unlock()
	names := make([]string, len(m.collaborators))
	for i, c := range m.collaborators {
		names[i] = c.Name()
	}
	return names
}

// Connect submits a connect task for owner. The task completes when the
// channel reports connect success or failure.
func (m *Manager) Connect(owner model.Owner) (*engine.Task, error) {
	t := engine.NewTask(owner, &connectWork{m: m, owner: owner}, engine.WithQueue("connection:"+owner.Key()))
	if err := m.sched.Submit(t); err != nil {
		return nil, fmt.Errorf("submit connect: %w", err)
	}
	return t, nil
}

// Disconnect closes owner's channel locally. No logout is forced.
func (m *Manager) Disconnect(owner model.Owner) {
	m.sched.Post(func() { m.disconnect(owner) })
}

// Snapshot returns a copy of owner's connection. It is safe from any
// goroutine.
func (m *Manager) Snapshot(owner model.Owner) Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	if s, ok := m.snaps[owner.Key()]; ok {
		return s
	}
	return Snapshot{Owner: owner, State: StateDisconnected}
}

// Snapshots returns every known connection.
func (m *Manager) Snapshots() []Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out
}

// Attached reports whether owner's session is attached to the channel.
func (m *Manager) Attached(owner model.Owner) bool {
	return m.Snapshot(owner).Attached
}

func (m *Manager) link(owner model.Owner) *link {
	l, ok := m.links[owner.Key()]
	if !ok {
		l = &link{owner: owner, state: StateDisconnected}
		m.links[owner.Key()] = l
	}
	return l
}

func (m *Manager) setState(l *link, to State) {
	from := l.state
	l.state = to
	if from != to {
		connectionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.logger.Info("connection state changed", "owner", l.owner.Key(), "from", from, "to", to)
	}
	m.publish(l)
}

func (m *Manager) publish(l *link) {
	s := Snapshot{
		Owner:      l.owner,
		State:      l.state,
		Attached:   l.attached,
		Generation: l.gen,
		LastClose:  l.lastClose,
	}
	if l.subs != nil {
		s.Subscriptions = l.subs.Kinds()
	}
	m.snapMu.Lock()
	m.snaps[l.owner.Key()] = s
	m.snapMu.Unlock()
}

// begin opens a new channel for a connect task.
func (m *Manager) begin(t *engine.Task, owner model.Owner) {
	l := m.link(owner)
	switch l.state {
	case StateConnected:
		t.Succeed(nil)
		return
	case StateConnecting, StateReconnecting:
		t.Fail(model.OutcomeInvalidState, ErrIDConnectInFlight)
		return
	}

	var cred string
	if m.identity != nil {
		c, ok := m.identity.Credential(owner)
		if !ok {
			t.Fail(model.OutcomeInvalidState, ErrIDNoCredentials)
			return
		}
		cred = c
	}

	ch, err := m.factory(owner, cred)
	if err != nil {
		m.logger.Warn("failed to create realtime channel", "owner", owner.Key(), "error", err)
		t.Fail(model.OutcomeRequestFailed, ErrIDConnect)
		return
	}

	l.gen++
	gen := l.gen
	l.ch = ch
	l.lastClose = nil
	l.connectTok = t.Token(func(t *engine.Task, r engine.Result) {
		if !r.OK {
			t.Fail(model.OutcomeRequestFailed, ErrIDConnect)
		}
	})
	ch.SetHandler(func(ev realtime.Event) {
		m.sched.Post(func() { m.handle(owner, gen, ev) })
	})
	m.setState(l, StateConnecting)
	ch.Connect(t.Context())
}

// handle applies one channel event on the designated goroutine.
func (m *Manager) handle(owner model.Owner, gen int, ev realtime.Event) {
	l, ok := m.links[owner.Key()]
	if !ok || l.gen != gen {
		connectionEventsDroppedTotal.Inc()
		m.logger.Debug("dropping event from superseded channel", "owner", owner.Key(), "event", ev.String())
		return
	}

	switch ev.Kind {
	case realtime.KindConnectSuccess:
		m.onConnectSuccess(l)
	case realtime.KindConnectFailure:
		m.logger.Warn("realtime connect failed", "owner", owner.Key(), "code", ev.Code, "message", ev.Message)
		m.failConnect(l, ev.Code, ev.Message)
	case realtime.KindDisconnectNotif:
		m.onDisconnectNotif(l, ev.Message)
	case realtime.KindTransportClose:
		m.onTransportClose(l, ev)
	case realtime.KindReconnecting:
		if l.state == StateConnected {
			l.attached = false
			m.setState(l, StateReconnecting)
		}
	case realtime.KindReconnectSuccess:
		m.onReconnectSuccess(l)
	case realtime.KindPush:
		m.dispatch(l, ev)
	default:
		m.logger.Debug("ignoring unknown channel event", "owner", owner.Key(), "kind", ev.Kind)
	}
}

func (m *Manager) onConnectSuccess(l *link) {
	if l.state != StateConnecting {
		return
	}
	l.attached = true
	m.registerAll(l)
	m.setState(l, StateConnected)

	if tok := l.connectTok; tok != nil {
		l.connectTok = nil
		tok.Succeed(nil)
	}
}

// registerAll builds a fresh subscription set from every collaborator.
func (m *Manager) registerAll(l *link) {
	m.collabMu.Lock()
	collabs := append([]Collaborator(nil), m.collaborators...)
	m.collabMu.Unlock()

	subs := NewSubscriptions()
	for _, c := range collabs {
		m.safely(l.owner, "register "+c.Name(), func() { c.RegisterRealtimeHandlers(l.owner, subs) })
	}
	l.subs = subs
}

// failConnect ends a connection attempt that never reached Connected.
func (m *Manager) failConnect(l *link, code int, message string) {
	if l.state != StateConnecting {
		return
	}
	m.drop(l)
	m.setState(l, StateDisconnected)
	if tok := l.connectTok; tok != nil {
		l.connectTok = nil
		tok.Fail(code, message)
	}
}

func (m *Manager) onDisconnectNotif(l *link, message string) {
	m.logger.Warn("realtime disconnected by server", "owner", l.owner.Key(), "reason", message)
	m.drop(l)
	m.setState(l, StateDisconnected)

	if tok := l.connectTok; tok != nil {
		l.connectTok = nil
		tok.Fail(0, message)
		return
	}
	if m.hooks.OnDisconnected != nil {
		m.safely(l.owner, "disconnected hook", func() { m.hooks.OnDisconnected(l.owner, ErrIDConnect, message) })
	}
}

func (m *Manager) onTransportClose(l *link, ev realtime.Event) {
	if l.state == StateConnecting {
		m.failConnect(l, ev.StatusCode, ev.Reason)
		return
	}
	if l.state == StateDisconnected {
		return
	}

	rule := m.table.Classify(ev.StatusCode)
	connectionClosesTotal.WithLabelValues(rule.Class).Inc()
	m.logger.Warn("realtime connection closed",
		"owner", l.owner.Key(),
		"status", ev.StatusCode,
		"reason", ev.Reason,
		"class", rule.Class,
	)

	m.drop(l)
	l.lastClose = &CloseInfo{
		StatusCode: ev.StatusCode,
		Reason:     ev.Reason,
		WasClean:   ev.WasClean,
		Class:      rule.Class,
		At:         time.Now().UTC(),
	}
	m.setState(l, StateDisconnected)

	if rule.Class == ClassNetworkDisconnection {
		if m.identity != nil {
			m.identity.ForgetCredentials(l.owner)
		}
		if m.recovery != nil {
			m.safely(l.owner, "teardown", func() { m.recovery.TeardownLocal(l.owner) })
		}
	}
	if m.identity != nil {
		m.identity.Logout(l.owner, rule.Reason)
	}
}

func (m *Manager) onReconnectSuccess(l *link) {
	if l.state != StateReconnecting {
		return
	}
	m.logger.Info("realtime reconnected", "owner", l.owner.Key())
	l.attached = true
	m.registerAll(l)
	m.setState(l, StateConnected)

	if m.recovery != nil {
		m.safely(l.owner, "restore", func() { m.recovery.OnReconnected(l.owner) })
	}
}

func (m *Manager) dispatch(l *link, ev realtime.Event) {
	if l.state != StateConnected || l.subs == nil {
		return
	}
	h, ok := l.subs.Handler(ev.PushKind)
	if !ok {
		m.logger.Debug("no handler for push", "owner", l.owner.Key(), "kind", ev.PushKind)
		return
	}
	m.safely(l.owner, "push "+ev.PushKind, func() { h(l.owner, ev.Payload) })
}

func (m *Manager) disconnect(owner model.Owner) {
	l, ok := m.links[owner.Key()]
	if !ok || l.state == StateDisconnected {
		return
	}
	m.drop(l)
	m.setState(l, StateDisconnected)
	if tok := l.connectTok; tok != nil {
		l.connectTok = nil
		tok.Fail(0, "disconnected locally")
	}
}

// drop detaches the user, unbinds its handlers and closes its channel.
// Later events from the closed channel are ignored.
func (m *Manager) drop(l *link) {
	l.attached = false
	l.subs = nil
	l.gen++
	if l.ch != nil {
		if err := l.ch.Close(); err != nil {
			m.logger.Debug("closing realtime channel", "owner", l.owner.Key(), "error", err)
		}
		l.ch = nil
	}
}

func (m *Manager) safely(owner model.Owner, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection collaborator panicked", "owner", owner.Key(), "step", what, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// connectWork is the connect task.
type connectWork struct {
	m     *Manager
	owner model.Owner
}

func (w *connectWork) Name() string { return "connect" }

func (w *connectWork) Validate() error {
	if !w.owner.Valid() {
		return engine.ErrorID(ErrIDInvalidLocalUser)
	}
	return nil
}

func (w *connectWork) Initialize(t *engine.Task) { w.m.begin(t, w.owner) }

func (w *connectWork) Finalize(t *engine.Task) {
	if !t.OK() {
		w.m.logger.Warn("connect failed", "owner", w.owner.Key(), "error_id", t.ErrorID())
	}
}

func (w *connectWork) Notify(t *engine.Task) {
	if w.m.hooks.OnConnectComplete != nil {
		w.m.hooks.OnConnectComplete(w.owner, t.OK(), t.ErrorID())
	}
}
