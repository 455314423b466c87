package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallActive   CallStatus = "active"
	CallDeclined CallStatus = "declined"
	CallEnded    CallStatus = "ended"
)

// CallSession is the gateway's bookkeeping copy of one call. The clients own
// the real negotiation state; this exists so the gateway can report calls
// over REST and synthesize call-end when a participant vanishes mid-call.
type CallSession struct {
	CallID     string            `json:"callId"`
	CallerID   string            `json:"callerId"`
	CalleeID   string            `json:"calleeId"`
	Kind       protocol.CallKind `json:"kind"`
	Status     CallStatus        `json:"status"`
	StartedAt  time.Time         `json:"startedAt"`
	AnsweredAt *time.Time        `json:"answeredAt,omitempty"`
	EndedAt    *time.Time        `json:"endedAt,omitempty"`
}

func (s *CallSession) terminal() bool {
	return s.Status == CallDeclined || s.Status == CallEnded
}

// CallTracker follows call signaling envelopes as they pass through the
// router and keeps per-call sessions keyed by callId.
type CallTracker struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	now      func() time.Time
}

func NewCallTracker() *CallTracker {
	return &CallTracker{
		sessions: make(map[string]*CallSession),
		now:      time.Now,
	}
}

// Observe updates bookkeeping from one stamped call envelope.
func (t *CallTracker) Observe(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallOffer:
		var p protocol.CallOffer
		if err := env.ParseData(&p); err != nil || p.CallID == "" {
			return
		}
		t.mu.Lock()
		t.sessions[p.CallID] = &CallSession{
			CallID:    p.CallID,
			CallerID:  env.From,
			CalleeID:  env.To,
			Kind:      p.Kind,
			Status:    CallRinging,
			StartedAt: t.now(),
		}
		t.mu.Unlock()
	case protocol.TypeCallAnswer:
		var p protocol.CallAnswer
		if err := env.ParseData(&p); err != nil {
			return
		}
		t.mu.Lock()
		if s, ok := t.sessions[p.CallID]; ok && !s.terminal() {
			now := t.now()
			if p.Accepted {
				s.Status = CallActive
				s.AnsweredAt = &now
			} else {
				s.Status = CallDeclined
				s.EndedAt = &now
			}
		}
		t.mu.Unlock()
	case protocol.TypeCallEnd:
		var p protocol.CallEnd
		if err := env.ParseData(&p); err != nil {
			return
		}
		t.mu.Lock()
		if s, ok := t.sessions[p.CallID]; ok && !s.terminal() {
			now := t.now()
			s.Status = CallEnded
			s.EndedAt = &now
		}
		t.mu.Unlock()
	}
}

// DroppedCall names the surviving peer of a call ended by eviction.
type DroppedCall struct {
	CallID string
	Peer   string
}

// EvictEndpoint marks every non-terminal call involving id as ended and
// returns the peers that must be told. The gateway turns each entry into a
// synthesized call-end so an orchestrator whose counterpart vanished
// without hanging up still reaches a terminal state.
func (t *CallTracker) EvictEndpoint(id string) []DroppedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []DroppedCall
	for _, s := range t.sessions {
		if s.terminal() {
			continue
		}
		var peer string
		switch id {
		case s.CallerID:
			peer = s.CalleeID
		case s.CalleeID:
			peer = s.CallerID
		default:
			continue
		}
		now := t.now()
		s.Status = CallEnded
		s.EndedAt = &now
		out = append(out, DroppedCall{CallID: s.CallID, Peer: peer})
		log.Info().Str("module", "server.calls").Str("call_id", s.CallID).Str("evicted", id).Msg("call ended by eviction")
	}
	return out
}

// Snapshot returns a copy of all tracked sessions.
func (t *CallTracker) Snapshot() []CallSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// PruneTerminal drops terminal sessions that ended before cutoff.
func (t *CallTracker) PruneTerminal(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if s.terminal() && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(t.sessions, id)
		}
	}
}
