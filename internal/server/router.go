package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
	"github.com/pmtrec/SHAPPWHAT/internal/store"
)

// Router inspects an inbound envelope's type and destination and forwards,
// fans out, or persists-and-forwards it. Envelopes from one sender to one
// recipient keep their arrival order because each connection has a single
// consumer loop feeding Route.
type Router struct {
	reg   *Registry
	store store.MessageStore
	calls *CallTracker
	now   func() time.Time

	persistTimeout time.Duration
}

func NewRouter(reg *Registry, st store.MessageStore, calls *CallTracker) *Router {
	if st == nil {
		st = store.Noop{}
	}
	return &Router{
		reg:            reg,
		store:          st,
		calls:          calls,
		now:            time.Now,
		persistTimeout: 5 * time.Second,
	}
}

// Route handles one envelope read off senderID's connection. The sender
// field is stamped here and never trusted from the wire.
func (r *Router) Route(env *protocol.Envelope, senderID string) {
	switch env.Type {
	case protocol.TypePing:
		r.reply(senderID, protocol.TypePong)
		return
	case protocol.TypePong:
		// Activity already recorded by the read pump.
		return
	}

	env.Stamp(senderID, r.now())

	switch env.Type {
	case protocol.TypeChatMessage:
		r.persistChat(env)
	case protocol.TypeMessageRead:
		r.persistRead(env)
	case protocol.TypeCallOffer:
		r.ensureCallID(env)
	}

	if r.calls != nil {
		r.calls.Observe(env)
	}

	if env.To != "" {
		r.Forward(env)
		return
	}
	if protocol.Broadcast(env.Type) {
		frame, err := env.Encode()
		if err != nil {
			log.Error().Err(err).Str("module", "server.router").Msg("encode broadcast")
			return
		}
		r.reg.fanOut(frame, senderID)
		return
	}
	log.Warn().Str("module", "server.router").Str("type", string(env.Type)).Str("from", senderID).Msg("unaddressed envelope dropped")
}

// Forward delivers env to its destination. An absent target is a normal
// offline outcome; nothing propagates back to the sender.
func (r *Router) Forward(env *protocol.Envelope) {
	target, ok := r.reg.Lookup(env.To)
	if !ok {
		log.Debug().Str("module", "server.router").Str("type", string(env.Type)).Str("to", env.To).Msg("recipient offline")
		return
	}
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "server.router").Msg("encode forward")
		return
	}
	if err := target.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "server.router").Str("to", env.To).Msg("forward drop")
	}
}

func (r *Router) reply(senderID string, t protocol.MsgType) {
	c, ok := r.reg.Lookup(senderID)
	if !ok {
		return
	}
	env := &protocol.Envelope{Type: t}
	env.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	frame, err := env.Encode()
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

// persistChat hands the message to the store collaborator without waiting
// for it. The store is best effort, not the source of truth for in-flight
// delivery, so failure is logged and the envelope still goes out.
func (r *Router) persistChat(env *protocol.Envelope) {
	var p protocol.ChatMessage
	if err := env.ParseData(&p); err != nil {
		log.Warn().Err(err).Str("module", "server.router").Msg("unparseable chat payload, skipping persistence")
		return
	}
	rec := store.ChatRecord{
		From:           env.From,
		To:             env.To,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		MessageType:    p.MessageType,
		Timestamp:      env.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		if err := r.store.AppendMessage(ctx, rec); err != nil {
			log.Warn().Err(err).Str("module", "server.router").Str("from", rec.From).Msg("chat persistence failed")
		}
	}()
}

func (r *Router) persistRead(env *protocol.Envelope) {
	var p protocol.MessageRead
	if err := env.ParseData(&p); err != nil {
		log.Warn().Err(err).Str("module", "server.router").Msg("unparseable message-read payload")
		return
	}
	reader := env.From
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()
		if err := r.store.MarkRead(ctx, reader, p.MessageIDs); err != nil {
			log.Warn().Err(err).Str("module", "server.router").Str("reader", reader).Msg("mark-read persistence failed")
		}
	}()
}

// ensureCallID stamps a generated callId into an offer that arrived
// without one.
func (r *Router) ensureCallID(env *protocol.Envelope) {
	var probe struct {
		CallID string `json:"callId"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &probe); err != nil {
			return
		}
	}
	if probe.CallID != "" {
		return
	}
	// Start from an allocated map: a missing data field skips the
	// unmarshal, and a literal null leaves the target untouched, so a nil
	// map would panic on assignment below.
	payload := map[string]json.RawMessage{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
	}
	id, _ := json.Marshal(uuid.NewString())
	payload["callId"] = id
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Data = data
}
