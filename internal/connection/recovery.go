package connection

import (
	"fmt"

	"github.com/seantiz/lobbylink/internal/model"
)

// Recovery modes.
const (
	ModeParty   = "party"
	ModeSession = "session"
)

// Recovery tears down and restores the session state a local user holds
// when the real-time channel is lost or recovered.
type Recovery interface {
	Name() string
	// TeardownLocal drops state the server can no longer be assumed to hold.
	TeardownLocal(owner model.Owner)
	// OnReconnected removes the restore placeholder and resynchronizes
	// against the backend.
	OnReconnected(owner model.Owner)
}

// PartyStore is the party collaborator as seen by PartyRecovery.
type PartyStore interface {
	RemoveParty(owner model.Owner)
	RestoreParties(owner model.Owner)
}

// PartyRecovery recovers through the party collaborator.
type PartyRecovery struct {
	Parties PartyStore
}

// Name implements Recovery.
func (PartyRecovery) Name() string { return ModeParty }

// TeardownLocal implements Recovery.
func (r PartyRecovery) TeardownLocal(owner model.Owner) {
	r.Parties.RemoveParty(owner)
}

// OnReconnected implements Recovery.
func (r PartyRecovery) OnReconnected(owner model.Owner) {
	r.Parties.RemoveParty(owner)
	r.Parties.RestoreParties(owner)
}

// SessionStore is the game session collaborator as seen by SessionRecovery.
type SessionStore interface {
	TeardownLocal(owner model.Owner)
	RemoveRestorePlaceholder(owner model.Owner)
	RestoreSessions(owner model.Owner)
}

// SessionRecovery recovers through the game session collaborator.
type SessionRecovery struct {
	Sessions SessionStore
}

// Name implements Recovery.
func (SessionRecovery) Name() string { return ModeSession }

// TeardownLocal implements Recovery.
func (r SessionRecovery) TeardownLocal(owner model.Owner) {
	r.Sessions.TeardownLocal(owner)
}

// OnReconnected implements Recovery.
func (r SessionRecovery) OnReconnected(owner model.Owner) {
	r.Sessions.RemoveRestorePlaceholder(owner)
	r.Sessions.RestoreSessions(owner)
}

// NewRecovery selects the recovery variant for mode.
func NewRecovery(mode string, parties PartyStore, sessions SessionStore) (Recovery, error) {
	switch mode {
	case ModeParty:
		if parties == nil {
			return nil, fmt.Errorf("recovery mode %q: no party collaborator", mode)
		}
		return PartyRecovery{Parties: parties}, nil
	case ModeSession, "":
		if sessions == nil {
			return nil, fmt.Errorf("recovery mode %q: no session collaborator", mode)
		}
		return SessionRecovery{Sessions: sessions}, nil
	default:
		return nil, fmt.Errorf("unknown recovery mode %q", mode)
	}
}
