// Package realtime defines the persistent real-time channel contract the
// connection manager drives. Transports deliver every state change and
// server push as an Event to a single handler, from their own goroutines.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/lobbylink/internal/model"
)

// EventKind identifies a channel event.
type EventKind string

// Channel event kinds.
const (
	KindConnectSuccess   EventKind = "connect-success"
	KindConnectFailure   EventKind = "connect-failure"
	KindDisconnectNotif  EventKind = "disconnect-notification"
	KindTransportClose   EventKind = "transport-close"
	KindReconnecting     EventKind = "reconnecting"
	KindReconnectSuccess EventKind = "reconnect-success"
	KindPush             EventKind = "push"
)

// Close status codes used by transports.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Event is one notification from a channel. Fields beyond Kind are set
// according to the kind.
type Event struct {
	Kind EventKind

	// Connect failure.
	Code    int
	Message string

	// Transport close.
	StatusCode int
	Reason     string
	WasClean   bool

	// Push.
	PushKind string
	Payload  json.RawMessage
}

func (e Event) String() string {
	switch e.Kind {
	case KindConnectFailure:
		return fmt.Sprintf("%s(%d, %s)", e.Kind, e.Code, e.Message)
	case KindDisconnectNotif:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Message)
	case KindTransportClose:
		return fmt.Sprintf("%s(%d, %s, clean=%t)", e.Kind, e.StatusCode, e.Reason, e.WasClean)
	case KindPush:
		return fmt.Sprintf("%s(%s)", e.Kind, e.PushKind)
	default:
		return string(e.Kind)
	}
}

// Handler receives channel events. It may be called from any goroutine.
type Handler func(Event)

// Message is an outbound client message.
type Message struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Channel is a persistent real-time connection for one local user.
type Channel interface {
	// SetHandler installs the event handler. It must be called before Connect.
	SetHandler(h Handler)
	// Connect starts establishing the connection and returns immediately.
	// The outcome arrives as a connect-success or connect-failure event.
	Connect(ctx context.Context)
	// Send writes msg to the server.
	Send(ctx context.Context, msg Message) error
	// Close tears the connection down locally. No transport-close event is
	// delivered for a local close.
	Close() error
}

// Factory creates a channel for owner authenticated with credential.
type Factory func(owner model.Owner, credential string) (Channel, error)
