// Package subsystem wires the scheduler, backend registry, connection manager
// and feature collaborators of one client session into a single object.
package subsystem

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/feature"
	"github.com/seantiz/lobbylink/internal/feature/agreement"
	"github.com/seantiz/lobbylink/internal/feature/catalog"
	"github.com/seantiz/lobbylink/internal/feature/friends"
	"github.com/seantiz/lobbylink/internal/feature/identity"
	"github.com/seantiz/lobbylink/internal/feature/party"
	"github.com/seantiz/lobbylink/internal/feature/session"
	"github.com/seantiz/lobbylink/internal/feature/user"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
	"github.com/seantiz/lobbylink/internal/store"
)

// ServicePaths maps each backend service to its base path on the platform
// gateway.
var ServicePaths = map[string]string{
	backend.ServiceIAM:       "/iam",
	backend.ServiceAgreement: "/agreement",
	backend.ServiceSocial:    "/friends",
	backend.ServicePlatform:  "/platform",
	backend.ServiceSession:   "/session",
	backend.ServiceLobby:     "/lobby",
	backend.ServiceDSM:       "/dsmcontroller",
}

// ServiceFactory builds the caller for one service from its base path.
type ServiceFactory func(name, basePath string) backend.Caller

// Options configures a Subsystem.
type Options struct {
	// Journal may be nil.
	Journal  store.Store
	Registry *backend.Registry
	Factory  realtime.Factory

	Client       identity.ClientCredentials
	SessionMode  string
	CloseCodes   *connection.CloseCodeTable
	Language     string
	TickInterval time.Duration

	// OnDisconnected receives server disconnect notifications.
	OnDisconnected func(owner model.Owner, errorID, message string)
}

// Subsystem is the root object of one client session.
type Subsystem struct {
	Scheduler *engine.Scheduler
	Registry  *backend.Registry
	Manager   *connection.Manager

	Identity   *identity.Identity
	Agreements *agreement.Agreements
	Users      *user.Users
	Friends    *friends.Friends
	Catalog    *catalog.Catalog
	Sessions   *session.Sessions
	Parties    *party.Parties

	logger *slog.Logger
}

// RegisterServices registers every service in ServicePaths using newCaller.
func RegisterServices(reg *backend.Registry, newCaller ServiceFactory) {
	for name, path := range ServicePaths {
		reg.Register(name, path, newCaller(name, path))
	}
}

// New builds a Subsystem and registers its collaborators with the manager.
func New(opts Options, logger *slog.Logger) (*Subsystem, error) {
	if opts.Registry == nil {
		opts.Registry = backend.NewRegistry()
	}
	var schedOpts []engine.SchedulerOption
	if opts.TickInterval > 0 {
		schedOpts = append(schedOpts, engine.WithTickInterval(opts.TickInterval))
	}
	sched := engine.NewScheduler(opts.Journal, logger, schedOpts...)

	s := &Subsystem{
		Scheduler: sched,
		Registry:  opts.Registry,
		logger:    logger,
	}

	s.Identity = identity.New(feature.Env{Scheduler: sched, Registry: opts.Registry, Logger: logger}, opts.Client)
	env := feature.Env{
		Scheduler:   sched,
		Registry:    opts.Registry,
		Credentials: s.Identity,
		Logger:      logger,
	}
	s.Agreements = agreement.New(env)
	s.Users = user.New(env, s.Identity)
	s.Friends = friends.New(env, s.Users)
	s.Catalog = catalog.New(env, opts.Language)
	s.Sessions = session.New(env)
	s.Parties = party.New(env)

	recovery, err := connection.NewRecovery(opts.SessionMode, s.Parties, s.Sessions)
	if err != nil {
		return nil, fmt.Errorf("select recovery: %w", err)
	}

	onDisconnected := opts.OnDisconnected
	if onDisconnected == nil {
		onDisconnected = func(owner model.Owner, errorID, message string) {
			logger.Warn("disconnected by server", "owner", owner.Key(), "error_id", errorID, "message", message)
		}
	}
	s.Manager, err = connection.NewManager(connection.Config{
		Scheduler: sched,
		Factory:   opts.Factory,
		Identity:  s.Identity,
		Recovery:  recovery,
		Table:     opts.CloseCodes,
		Hooks: connection.Hooks{
			OnConnectComplete: s.Identity.ConnectComplete,
			OnDisconnected:    onDisconnected,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	s.Identity.OnServerLogin(func(int) { s.Sessions.ConnectToDSHub() })

	s.Manager.Register(s.Friends)
	s.Manager.Register(s.Sessions)
	s.Manager.Register(s.Parties)

	logger.Info("subsystem ready",
		"recovery", recovery.Name(),
		"collaborators", s.Manager.Collaborators(),
		"services", len(opts.Registry.List()),
	)
	return s, nil
}

// Run drives the designated goroutine until ctx is done.
func (s *Subsystem) Run(ctx context.Context) error {
	return s.Scheduler.Run(ctx)
}

// Close flushes the task journal. Call it after Run returns.
func (s *Subsystem) Close() {
	s.Scheduler.Close()
}

// Do runs fn on the designated goroutine. Collaborator methods called from
// any other goroutine must go through Do.
func (s *Subsystem) Do(fn func()) {
	s.Scheduler.Post(fn)
}

// Login remembers owner's access token and opens the real-time channel.
func (s *Subsystem) Login(owner model.Owner, token string, platform identity.PlatformInfo) (*engine.Task, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("local user %d out of range", owner.LocalUserNum)
	}
	s.Do(func() { s.Identity.Remember(owner, token, platform) })
	return s.Manager.Connect(owner)
}

// LoginServer authenticates dedicated server n. On success the session
// collaborator's DS hub link is marked up.
func (s *Subsystem) LoginServer(n int, done feature.Delegate) (*engine.Task, error) {
	if n < 0 || n >= model.MaxLocalUsers {
		return nil, fmt.Errorf("server %d out of range", n)
	}
	return s.Identity.LoginServer(n, done)
}

// Logout closes owner's channel and drops the account, keeping credentials.
func (s *Subsystem) Logout(owner model.Owner) {
	s.Manager.Disconnect(owner)
	s.Do(func() { s.Identity.Logout(owner, "") })
}
