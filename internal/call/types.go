// Package call owns the client-side peer connection lifecycle: media
// acquisition, offer/answer negotiation, trickle ICE, in-call controls and
// resource teardown. It talks to the rest of the process only through the
// Transport, Provider and PeerConnection interfaces.
package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

var (
	// ErrMediaAccess wraps a refused or failed device acquisition.
	ErrMediaAccess = errors.New("call: media access denied")
	// ErrTransportUnavailable means the signaling transport is not connected.
	ErrTransportUnavailable = errors.New("call: transport unavailable")
	// ErrBusy means a non-terminal call session already exists.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNoCall means the operation needs a session in a specific state.
	ErrNoCall = errors.New("call: no matching call session")
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateOffering
	StateRinging
	StateIncoming
	StateAnswering
	StateConnecting
	StateActive
	StateEnded
	StateDeclined
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateIncoming:
		return "incoming"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateDeclined:
		return "declined"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Terminal reports whether no further transition can leave s.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateFailed
}

// Info is the externally visible state of one call session.
type Info struct {
	CallID     string
	PeerID     string
	Kind       protocol.CallKind
	State      SessionState
	Initiator  bool
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

type EventType string

const (
	EventIncoming     EventType = "incoming-call"
	EventAnswered     EventType = "call-answered"
	EventConnected    EventType = "call-connected"
	EventDeclined     EventType = "call-declined"
	EventEnded        EventType = "call-ended"
	EventFailed       EventType = "call-failed"
	EventDisconnected EventType = "call-disconnected"
	EventRemoteTrack  EventType = "remote-track"
)

// Event is what the orchestrator reports to the embedding application.
// EventDisconnected is informational: the peer link degraded but the call
// is not ended until someone decides to hang up.
type Event struct {
	Type   EventType
	CallID string
	Peer   string
	Kind   protocol.CallKind
	Reason string
	Track  *webrtc.TrackRemote
}
