package subsystem

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/feature/featuretest"
	"github.com/seantiz/lobbylink/internal/feature/identity"
	"github.com/seantiz/lobbylink/internal/feature/session"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
	"github.com/seantiz/lobbylink/internal/realtime/realtimetest"
)

var owner0 = model.Owner{LocalUserNum: 0, UserID: "me"}

func newTestSubsystem(t *testing.T, mode string) (*Subsystem, *featuretest.Backend, *realtimetest.Factory) {
	t.Helper()
	b := featuretest.NewBackend()
	reg := backend.NewRegistry()
	RegisterServices(reg, func(string, string) backend.Caller { return b })
	factory := &realtimetest.Factory{AutoConnect: true}

	s, err := New(Options{
		Registry:    reg,
		Factory:     factory.New,
		SessionMode: mode,
		Language:    "en",
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, b, factory
}

func login(t *testing.T, s *Subsystem) {
	t.Helper()
	task, err := s.Login(owner0, "token-0", identity.PlatformInfo{Platform: "steam"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	featuretest.Drive(t, s.Scheduler, task)
	if !task.OK() {
		t.Fatalf("connect failed: %s", task.ErrorID())
	}
}

func drain(s *Subsystem) {
	for range 3 {
		s.Scheduler.Drive()
	}
}

func TestNewRegistersCollaborators(t *testing.T) {
	s, _, _ := newTestSubsystem(t, connection.ModeSession)

	if got, want := s.Manager.Collaborators(), []string{"friends", "session", "party"}; !slices.Equal(got, want) {
		t.Errorf("collaborators = %v, want %v", got, want)
	}
	if n := len(s.Registry.List()); n != len(ServicePaths) {
		t.Errorf("services = %d, want %d", n, len(ServicePaths))
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Options{Factory: (&realtimetest.Factory{}).New, SessionMode: "lobby"}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error for unknown session mode")
	}
}

func TestLoginSubscribesCollaborators(t *testing.T) {
	s, _, factory := newTestSubsystem(t, connection.ModeSession)
	login(t, s)

	snap := s.Manager.Snapshot(owner0)
	if snap.State != connection.StateConnected || !snap.Attached {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, kind := range []string{"friendRequest", session.PushInvited, "partyJoin"} {
		if !slices.Contains(snap.Subscriptions, kind) {
			t.Errorf("subscriptions %v missing %s", snap.Subscriptions, kind)
		}
	}

	factory.Last(owner0).Emit(realtime.Event{
		Kind:     realtime.KindPush,
		PushKind: "partyDataUpdate",
		Payload:  json.RawMessage(`{"partyId":"pt-1","leaderId":"me","members":["me"]}`),
	})
	drain(s)

	var party string
	s.Do(func() {
		p, _ := s.Parties.Party(owner0)
		party = p.ID
	})
	drain(s)
	if party != "pt-1" {
		t.Errorf("party = %q, want pt-1", party)
	}
}

func TestNetworkLossTearsDownSessions(t *testing.T) {
	s, _, factory := newTestSubsystem(t, connection.ModeSession)
	login(t, s)

	var reasons []string
	s.Do(func() {
		s.Identity.OnLogout(func(_ model.Owner, reason string) { reasons = append(reasons, reason) })
		s.Sessions.AddRestorePlaceholder(owner0, "gs-1")
	})
	drain(s)

	factory.Last(owner0).Emit(realtime.Event{Kind: realtime.KindTransportClose, StatusCode: realtime.CloseAbnormal})
	drain(s)

	var hasCreds, hasPlaceholder bool
	s.Do(func() {
		_, hasCreds = s.Identity.Credential(owner0)
		_, hasPlaceholder = s.Sessions.RestorePlaceholder(owner0)
	})
	drain(s)

	if hasCreds {
		t.Error("credentials kept after network loss")
	}
	if hasPlaceholder {
		t.Error("local session state kept after network loss")
	}
	if !slices.Equal(reasons, []string{"network-disconnection"}) {
		t.Errorf("logout reasons = %v", reasons)
	}
}

func TestReconnectRestoresParty(t *testing.T) {
	s, b, factory := newTestSubsystem(t, connection.ModeParty)
	b.On("GET", "/party/users/me", featuretest.Response{Body: `{"partyId":"pt-9","leaderId":"x","members":["x","me"]}`})
	login(t, s)

	ch := factory.Last(owner0)
	ch.Emit(realtime.Event{Kind: realtime.KindReconnecting})
	ch.Emit(realtime.Event{Kind: realtime.KindReconnectSuccess})

	deadline := time.Now().Add(2 * time.Second)
	var party string
	for party == "" && time.Now().Before(deadline) {
		s.Do(func() {
			p, _ := s.Parties.Party(owner0)
			party = p.ID
		})
		drain(s)
		time.Sleep(time.Millisecond)
	}
	if party != "pt-9" {
		t.Errorf("party after reconnect = %q, want pt-9", party)
	}
	if n := b.CallCount("GET /party/users/me"); n != 1 {
		t.Errorf("restore calls = %d, want 1", n)
	}
}

func TestReconnectClearsRestorePlaceholder(t *testing.T) {
	s, b, factory := newTestSubsystem(t, connection.ModeSession)
	b.On("GET", "/v2/public/gamesessions/gs-1", featuretest.Response{Body: `{"id":"gs-1","members":[{"id":"me","status":"JOINED"}]}`})
	b.On("GET", "/v2/public/users/me/gamesessions", featuretest.Response{Body: `{"data":[{"id":"gs-1"}]}`})
	login(t, s)
	b.Hold()

	var joinErr error
	s.Do(func() { _, joinErr = s.Sessions.JoinGameSession(owner0, "game", "gs-1", true, nil) })
	drain(s)
	if joinErr != nil {
		t.Fatalf("JoinGameSession: %v", joinErr)
	}

	placeholder := func() (p string, ok bool) {
		s.Do(func() { p, ok = s.Sessions.RestorePlaceholder(owner0) })
		drain(s)
		return p, ok
	}
	if p, ok := placeholder(); !ok || p != "gs-1" {
		t.Fatalf("placeholder = %q, %v; want gs-1 while the restore is in flight", p, ok)
	}

	ch := factory.Last(owner0)
	ch.Emit(realtime.Event{Kind: realtime.KindReconnecting})
	ch.Emit(realtime.Event{Kind: realtime.KindReconnectSuccess})
	drain(s)

	if p, ok := placeholder(); ok {
		t.Errorf("placeholder %q kept after reconnect", p)
	}
	if n := b.CallCount("GET /v2/public/users/me/gamesessions"); n != 1 {
		t.Fatalf("restore calls = %d, want 1", n)
	}

	b.Release()
	deadline := time.Now().Add(2 * time.Second)
	var state string
	for state != session.StatePending && time.Now().Before(deadline) {
		s.Do(func() {
			sess, _ := s.Sessions.NamedSession(owner0, "game")
			state = sess.State
		})
		drain(s)
		time.Sleep(time.Millisecond)
	}
	if state != session.StatePending {
		t.Errorf("session state after restore = %q, want %q", state, session.StatePending)
	}
}

func TestServerLoginConnectsDSHub(t *testing.T) {
	s, b, _ := newTestSubsystem(t, connection.ModeSession)
	b.On("POST", "/v3/oauth/token", featuretest.Response{Body: `{"access_token":"srv","expires_in":3600}`})
	b.On("POST", "/v2/public/gamesessions/gs-1/join", featuretest.Response{Body: `{"id":"gs-1"}`})
	b.On("POST", "/dsm/shutdown", featuretest.Response{})

	hub := func() (up bool) {
		s.Do(func() { up = s.Sessions.DSHubConnected() })
		drain(s)
		return up
	}

	task, err := s.LoginServer(0, nil)
	if err != nil {
		t.Fatalf("LoginServer: %v", err)
	}
	featuretest.Drive(t, s.Scheduler, task)
	if !task.OK() {
		t.Fatalf("server login failed: %s", task.ErrorID())
	}
	if !hub() {
		t.Fatal("DS hub not connected after server login")
	}

	join, err := s.Sessions.JoinGameSession(owner0, "game", "gs-1", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	featuretest.Drive(t, s.Scheduler, join)

	unregister, err := s.Sessions.UnregisterServer(owner0, "game", nil)
	if err != nil {
		t.Fatal(err)
	}
	featuretest.Drive(t, s.Scheduler, unregister)
	if !unregister.OK() {
		t.Fatalf("unregister failed: %s", unregister.ErrorID())
	}
	if hub() {
		t.Error("DS hub still connected after unregistering the server")
	}
}

func TestLoginServerRejectsOutOfRange(t *testing.T) {
	s, _, _ := newTestSubsystem(t, connection.ModeSession)
	if _, err := s.LoginServer(model.MaxLocalUsers, nil); err == nil {
		t.Error("expected error for out-of-range server")
	}
}

func TestLoginRejectsInvalidOwner(t *testing.T) {
	s, _, _ := newTestSubsystem(t, connection.ModeSession)
	if _, err := s.Login(model.Owner{LocalUserNum: -1}, "tok", identity.PlatformInfo{}); err == nil {
		t.Error("expected error for invalid owner")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSubsystem(t, connection.ModeSession)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
