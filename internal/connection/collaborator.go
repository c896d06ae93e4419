package connection

import (
	"encoding/json"
	"slices"

	"github.com/seantiz/lobbylink/internal/model"
)

// PushHandler handles one kind of server push for a local user.
type PushHandler func(owner model.Owner, payload json.RawMessage)

// Subscriptions maps push kinds to handlers for one local user. A fresh set
// is built after every successful connect or reconnect.
type Subscriptions struct {
	handlers map[string]PushHandler
}

// NewSubscriptions creates an empty set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{handlers: make(map[string]PushHandler)}
}

// On registers h for pushes of kind, replacing any earlier handler.
func (s *Subscriptions) On(kind string, h PushHandler) {
	s.handlers[kind] = h
}

// Handler returns the handler registered for kind.
func (s *Subscriptions) Handler(kind string) (PushHandler, bool) {
	h, ok := s.handlers[kind]
	return h, ok
}

// Kinds returns the subscribed push kinds in sorted order.
func (s *Subscriptions) Kinds() []string {
	kinds := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Collaborator is a feature component that listens on the real-time channel.
type Collaborator interface {
	Name() string
	// RegisterRealtimeHandlers is called on the designated goroutine after
	// every successful connect and reconnect for owner.
	RegisterRealtimeHandlers(owner model.Owner, subs *Subscriptions)
}

// Identity is the credential and login side the manager coordinates with.
// Its methods are called on the designated goroutine.
type Identity interface {
	// Credential returns the access token used to open the channel.
	Credential(owner model.Owner) (string, bool)
	ForgetCredentials(owner model.Owner)
	Logout(owner model.Owner, reason string)
}

// Hooks are optional notifications raised by the manager.
type Hooks struct {
	// OnConnectComplete fires when a connect task completes.
	OnConnectComplete func(owner model.Owner, ok bool, errorID string)
	// OnDisconnected fires for a server disconnect notification that arrives
	// after the connect task has completed.
	OnDisconnected func(owner model.Owner, errorID, message string)
}
