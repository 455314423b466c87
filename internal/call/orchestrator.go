package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

// Transport is the slice of the signaling client the orchestrator needs.
// *client.Client satisfies it.
type Transport interface {
	Handle(t protocol.MsgType, h func(env *protocol.Envelope)) error
	Send(env *protocol.Envelope) error
	Connected() bool
	OnClose(fn func())
}

// Config carries everything an Orchestrator needs besides the transport.
type Config struct {
	SelfID      string
	Media       Provider
	NewPeer     PeerFactory
	RTC         webrtc.Configuration
	RingTimeout time.Duration
	// EventBuf sizes the event channel. Events are dropped, not blocked
	// on, when the consumer falls behind.
	EventBuf int
}

// session is the orchestrator's bookkeeping for one call. At most one
// session exists at a time; a terminal session stays in place until the
// next call replaces it.
type session struct {
	info       Info
	pc         PeerConnection
	stream     Stream
	offer      *protocol.CallOffer
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
	ringTimer  *time.Timer
}

// Orchestrator drives the client side of a call: one session at a time,
// media and peer resources released on every terminal transition.
type Orchestrator struct {
	tr     Transport
	cfg    Config
	events chan Event

	// afterFunc is swapped for a fake in ring-timeout tests.
	afterFunc func(d time.Duration, fn func()) *time.Timer

	mu   sync.Mutex
	sess *session
}

// New wires the orchestrator's handlers into the transport dispatch table.
func New(tr Transport, cfg Config) (*Orchestrator, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("call: config needs a self id")
	}
	if cfg.Media == nil || cfg.NewPeer == nil {
		return nil, fmt.Errorf("call: config needs a media provider and a peer factory")
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	if cfg.EventBuf <= 0 {
		cfg.EventBuf = 16
	}

	o := &Orchestrator{
		tr:        tr,
		cfg:       cfg,
		events:    make(chan Event, cfg.EventBuf),
		afterFunc: time.AfterFunc,
	}

	handlers := map[protocol.MsgType]func(*protocol.Envelope){
		protocol.TypeCallOffer:    o.handleOffer,
		protocol.TypeCallAnswer:   o.handleAnswer,
		protocol.TypeIceCandidate: o.handleICE,
		protocol.TypeCallEnd:      o.handleEnd,
	}
	for t, h := range handlers {
		if err := tr.Handle(t, h); err != nil {
			return nil, err
		}
	}
	tr.OnClose(o.transportClosed)
	return o, nil
}

// Events delivers call lifecycle events to the embedding application.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Current returns a copy of the live session info, if any.
func (o *Orchestrator) Current() (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return Info{}, false
	}
	return o.sess.info, true
}

// StartCall acquires local media, builds a peer connection and sends a
// call-offer to peerID. Only one non-terminal session may exist; a second
// StartCall returns ErrBusy. If anything fails before the offer leaves, no
// session survives and every acquired resource is released.
func (o *Orchestrator) StartCall(ctx context.Context, peerID string, kind protocol.CallKind) (Info, error) {
	o.mu.Lock()
	if o.sess != nil && !o.sess.info.State.Terminal() {
		o.mu.Unlock()
		return Info{}, ErrBusy
	}
	if !o.tr.Connected() {
		o.mu.Unlock()
		return Info{}, ErrTransportUnavailable
	}
	// Reserve the slot before the blocking media prompt so a concurrent
	// StartCall or inbound offer sees busy, not idle.
	s := &session{info: Info{
		CallID:    uuid.NewString(),
		PeerID:    peerID,
		Kind:      kind,
		State:     StateOffering,
		Initiator: true,
		StartedAt: time.Now(),
	}}
	o.sess = s
	o.mu.Unlock()

	stream, err := o.cfg.Media.GetMedia(ctx, kind == protocol.CallVideo)
	if err != nil {
		o.release(s)
		return Info{}, err
	}

	pc, err := o.buildPeer(s, stream)
	if err != nil {
		stream.Close()
		o.release(s)
		return Info{}, err
	}

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		stream.Close()
		_ = pc.Close()
		o.release(s)
		return Info{}, fmt.Errorf("call: create offer: %w", err)
	}

	env, err := protocol.New(protocol.TypeCallOffer, peerID, protocol.CallOffer{
		Offer:  offer,
		Kind:   kind,
		CallID: s.info.CallID,
	})
	if err == nil {
		err = o.tr.Send(env)
	}
	if err != nil {
		stream.Close()
		_ = pc.Close()
		o.release(s)
		return Info{}, fmt.Errorf("call: send offer: %w", err)
	}

	o.mu.Lock()
	s.pc = pc
	s.stream = stream
	s.info.State = StateRinging
	callID := s.info.CallID
	s.ringTimer = o.afterFunc(o.cfg.RingTimeout, func() { o.ringExpired(callID) })
	info := s.info
	o.mu.Unlock()

	log.Info().Str("module", "call").Str("call_id", info.CallID).Str("peer", peerID).Str("kind", string(kind)).Msg("offer sent")
	return info, nil
}

// AcceptCall answers the incoming call identified by callID. An empty
// callID accepts whatever call is currently ringing in.
func (o *Orchestrator) AcceptCall(ctx context.Context, callID string) error {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State != StateIncoming || (callID != "" && callID != s.info.CallID) {
		o.mu.Unlock()
		return ErrNoCall
	}
	s.info.State = StateAnswering
	offer := s.offer
	peerID := s.info.PeerID
	wantVideo := s.info.Kind == protocol.CallVideo
	o.mu.Unlock()

	stream, err := o.cfg.Media.GetMedia(ctx, wantVideo)
	if err != nil {
		o.sendDecline(peerID, s.info.CallID)
		o.terminate(s, StateFailed, EventFailed, "media access failed")
		return err
	}

	pc, err := o.buildPeer(s, stream)
	if err != nil {
		stream.Close()
		o.sendDecline(peerID, s.info.CallID)
		o.terminate(s, StateFailed, EventFailed, "peer connection setup failed")
		return err
	}

	o.mu.Lock()
	s.pc = pc
	s.stream = stream
	o.mu.Unlock()

	if err := pc.SetRemoteDescription(offer.Offer); err != nil {
		o.sendDecline(peerID, s.info.CallID)
		o.terminate(s, StateFailed, EventFailed, "bad remote offer")
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	o.flushPendingICE(s)

	answer, err := pc.CreateAnswer()
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		o.sendDecline(peerID, s.info.CallID)
		o.terminate(s, StateFailed, EventFailed, "create answer failed")
		return fmt.Errorf("call: create answer: %w", err)
	}

	env, err := protocol.New(protocol.TypeCallAnswer, peerID, protocol.CallAnswer{
		Answer:   &answer,
		CallID:   s.info.CallID,
		Accepted: true,
	})
	if err == nil {
		err = o.tr.Send(env)
	}
	if err != nil {
		o.terminate(s, StateFailed, EventFailed, "send answer failed")
		return fmt.Errorf("call: send answer: %w", err)
	}

	now := time.Now()
	o.mu.Lock()
	s.info.State = StateConnecting
	s.info.AnsweredAt = &now
	o.mu.Unlock()
	log.Info().Str("module", "call").Str("call_id", s.info.CallID).Str("peer", peerID).Msg("call accepted")
	return nil
}

// RejectCall declines the incoming call identified by callID.
func (o *Orchestrator) RejectCall(callID string) error {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State != StateIncoming || (callID != "" && callID != s.info.CallID) {
		o.mu.Unlock()
		return ErrNoCall
	}
	peerID := s.info.PeerID
	id := s.info.CallID
	o.mu.Unlock()

	o.sendDecline(peerID, id)
	o.terminate(s, StateDeclined, EventDeclined, "declined locally")
	return nil
}

// EndCall hangs up the live session, notifying the peer. Calling it with
// no live session is a no-op.
func (o *Orchestrator) EndCall() error {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State.Terminal() {
		o.mu.Unlock()
		return nil
	}
	peerID := s.info.PeerID
	id := s.info.CallID
	o.mu.Unlock()

	if env, err := protocol.New(protocol.TypeCallEnd, peerID, protocol.CallEnd{CallID: id}); err == nil {
		if err := o.tr.Send(env); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", id).Msg("hangup notify failed")
		}
	}
	o.terminate(s, StateEnded, EventEnded, "ended locally")
	return nil
}

// ToggleMute flips the local audio track and reports whether audio is now
// muted. Without a live stream it reports false and changes nothing.
func (o *Orchestrator) ToggleMute() bool {
	return o.toggleTrack("audio")
}

// ToggleVideo flips the local video track and reports whether video is now
// off. Audio-only sessions report false and change nothing.
func (o *Orchestrator) ToggleVideo() bool {
	return o.toggleTrack("video")
}

func (o *Orchestrator) toggleTrack(kind string) bool {
	o.mu.Lock()
	var stream Stream
	if o.sess != nil {
		stream = o.sess.stream
	}
	o.mu.Unlock()
	if stream == nil {
		return false
	}
	var t Track
	if kind == "audio" {
		t = stream.AudioTrack()
	} else {
		t = stream.VideoTrack()
	}
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return !t.Enabled()
}

func (o *Orchestrator) handleOffer(env *protocol.Envelope) {
	var offer protocol.CallOffer
	if err := env.ParseData(&offer); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad offer payload")
		return
	}
	if offer.CallID == "" {
		offer.CallID = uuid.NewString()
	}

	o.mu.Lock()
	if o.sess != nil && !o.sess.info.State.Terminal() {
		o.mu.Unlock()
		// Busy: decline without disturbing the live session.
		log.Info().Str("module", "call").Str("call_id", offer.CallID).Str("peer", env.From).Msg("busy, auto-declining")
		o.sendDecline(env.From, offer.CallID)
		return
	}
	s := &session{
		info: Info{
			CallID:    offer.CallID,
			PeerID:    env.From,
			Kind:      offer.Kind,
			State:     StateIncoming,
			StartedAt: time.Now(),
		},
		offer: &offer,
	}
	o.sess = s
	o.mu.Unlock()

	o.emit(Event{Type: EventIncoming, CallID: offer.CallID, Peer: env.From, Kind: offer.Kind})
}

func (o *Orchestrator) handleAnswer(env *protocol.Envelope) {
	var answer protocol.CallAnswer
	if err := env.ParseData(&answer); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad answer payload")
		return
	}

	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State != StateRinging || (answer.CallID != "" && answer.CallID != s.info.CallID) {
		o.mu.Unlock()
		log.Warn().Str("module", "call").Str("call_id", answer.CallID).Msg("stray answer dropped")
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	o.mu.Unlock()

	if !answer.Accepted || answer.Answer == nil {
		o.terminate(s, StateDeclined, EventDeclined, "declined by peer")
		return
	}

	if err := s.pc.SetRemoteDescription(*answer.Answer); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("set remote answer")
		o.terminate(s, StateFailed, EventFailed, "bad remote answer")
		return
	}
	o.flushPendingICE(s)

	now := time.Now()
	o.mu.Lock()
	s.info.State = StateConnecting
	s.info.AnsweredAt = &now
	info := s.info
	o.mu.Unlock()
	o.emit(Event{Type: EventAnswered, CallID: info.CallID, Peer: info.PeerID, Kind: info.Kind})
}

func (o *Orchestrator) handleICE(env *protocol.Envelope) {
	var ice protocol.IceCandidate
	if err := env.ParseData(&ice); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad ice payload")
		return
	}

	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State.Terminal() {
		o.mu.Unlock()
		return
	}
	if !s.remoteSet {
		// Trickle ICE can outrun the answer; hold candidates until the
		// remote description lands, then replay in arrival order.
		s.pendingICE = append(s.pendingICE, ice.Candidate)
		o.mu.Unlock()
		return
	}
	pc := s.pc
	o.mu.Unlock()

	if err := pc.AddICECandidate(ice.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("add ice candidate")
	}
}

func (o *Orchestrator) handleEnd(env *protocol.Envelope) {
	var end protocol.CallEnd
	if err := env.ParseData(&end); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("bad call-end payload")
		return
	}

	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State.Terminal() || (end.CallID != "" && s.info.CallID != "" && end.CallID != s.info.CallID) {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.terminate(s, StateEnded, EventEnded, "ended by peer")
}

// buildPeer creates the peer connection, attaches local tracks and wires
// the pion callbacks back into the session.
func (o *Orchestrator) buildPeer(s *session, stream Stream) (PeerConnection, error) {
	pc, err := o.cfg.NewPeer(o.cfg.RTC)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	for _, t := range stream.Tracks() {
		if err := pc.AddTrack(t.Local()); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("call: add %s track: %w", t.Kind(), err)
		}
	}

	callID := s.info.CallID
	peerID := s.info.PeerID

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		env, err := protocol.New(protocol.TypeIceCandidate, peerID, protocol.IceCandidate{Candidate: c})
		if err == nil {
			err = o.tr.Send(env)
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", callID).Msg("trickle ice send")
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		o.emit(Event{Type: EventRemoteTrack, CallID: callID, Peer: peerID, Track: track})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		o.peerState(s, st)
	})
	return pc, nil
}

func (o *Orchestrator) peerState(s *session, st webrtc.PeerConnectionState) {
	o.mu.Lock()
	if o.sess != s || s.info.State.Terminal() {
		o.mu.Unlock()
		return
	}
	info := s.info
	o.mu.Unlock()

	switch st {
	case webrtc.PeerConnectionStateConnected:
		o.mu.Lock()
		s.info.State = StateActive
		o.mu.Unlock()
		o.emit(Event{Type: EventConnected, CallID: info.CallID, Peer: info.PeerID, Kind: info.Kind})
	case webrtc.PeerConnectionStateDisconnected:
		// Link degraded, possibly transient. The call stays up until a
		// call-end arrives or the user hangs up.
		o.emit(Event{Type: EventDisconnected, CallID: info.CallID, Peer: info.PeerID, Reason: "peer link lost"})
	case webrtc.PeerConnectionStateFailed:
		// Also not terminal here: whether to retry ICE or hang up is the
		// embedding application's call.
		o.emit(Event{Type: EventDisconnected, CallID: info.CallID, Peer: info.PeerID, Reason: "peer connection failed"})
	}
}

func (o *Orchestrator) ringExpired(callID string) {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.CallID != callID || s.info.State != StateRinging {
		o.mu.Unlock()
		return
	}
	peerID := s.info.PeerID
	o.mu.Unlock()

	if env, err := protocol.New(protocol.TypeCallEnd, peerID, protocol.CallEnd{CallID: callID}); err == nil {
		_ = o.tr.Send(env)
	}
	o.terminate(s, StateFailed, EventFailed, "no answer")
}

func (o *Orchestrator) transportClosed() {
	o.mu.Lock()
	s := o.sess
	if s == nil || s.info.State.Terminal() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	// No point sending call-end over a dead transport.
	o.terminate(s, StateEnded, EventEnded, "signaling lost")
}

// flushPendingICE replays buffered candidates in arrival order after the
// remote description is set.
func (o *Orchestrator) flushPendingICE(s *session) {
	o.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	pc := s.pc
	o.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", s.info.CallID).Msg("flush ice candidate")
		}
	}
}

func (o *Orchestrator) sendDecline(peerID, callID string) {
	env, err := protocol.New(protocol.TypeCallAnswer, peerID, protocol.CallAnswer{
		CallID:   callID,
		Accepted: false,
	})
	if err == nil {
		err = o.tr.Send(env)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call_id", callID).Msg("decline send")
	}
}

// terminate is the single teardown path. Every terminal transition funnels
// here so the ring timer, local media and the peer connection are released
// exactly once. The terminal session object stays in place until the next
// call replaces it.
func (o *Orchestrator) terminate(s *session, state SessionState, ev EventType, reason string) {
	o.mu.Lock()
	if o.sess != s || s.info.State.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	s.info.State = state
	s.info.EndedAt = &now
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	stream := s.stream
	pc := s.pc
	s.pendingICE = nil
	info := s.info
	o.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call_id", info.CallID).Msg("peer close")
		}
	}

	log.Info().Str("module", "call").Str("call_id", info.CallID).Str("state", info.State.String()).Str("reason", reason).Msg("call terminated")
	o.emit(Event{Type: ev, CallID: info.CallID, Peer: info.PeerID, Kind: info.Kind, Reason: reason})
}

// release drops a reservation that never got resources attached.
func (o *Orchestrator) release(s *session) {
	o.mu.Lock()
	if o.sess == s {
		o.sess = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("module", "call").Str("event", string(ev.Type)).Msg("event dropped, consumer behind")
	}
}
