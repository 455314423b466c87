// Package protocol defines the wire envelope exchanged between endpoints
// and the gateway, plus the typed payloads it carries. The envelope is the
// only unit that crosses the wire; the router treats Data as opaque.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MsgType string

const (
	TypeChatMessage  MsgType = "chat-message"
	TypeTyping       MsgType = "typing"
	TypeMessageRead  MsgType = "message-read"
	TypeCallOffer    MsgType = "call-offer"
	TypeCallAnswer   MsgType = "call-answer"
	TypeIceCandidate MsgType = "ice-candidate"
	TypeCallEnd      MsgType = "call-end"
	TypePing         MsgType = "ping"
	TypePong         MsgType = "pong"
	TypeUserOnline   MsgType = "user-online"
	TypeUserOffline  MsgType = "user-offline"
	TypeOnlineUsers  MsgType = "online-users"

	// TypeUsersList is a legacy alias for TypeOnlineUsers still produced by
	// older endpoints; Decode rewrites it on the way in.
	TypeUsersList MsgType = "users-list"
)

var known = map[MsgType]struct{}{
	TypeChatMessage:  {},
	TypeTyping:       {},
	TypeMessageRead:  {},
	TypeCallOffer:    {},
	TypeCallAnswer:   {},
	TypeIceCandidate: {},
	TypeCallEnd:      {},
	TypePing:         {},
	TypePong:         {},
	TypeUserOnline:   {},
	TypeUserOffline:  {},
	TypeOnlineUsers:  {},
	TypeUsersList:    {},
}

// Known reports whether t belongs to the closed message-type set.
func Known(t MsgType) bool {
	_, ok := known[t]
	return ok
}

// Broadcast reports whether t may fan out to all endpoints when the
// envelope carries no destination. Everything else requires To.
func Broadcast(t MsgType) bool {
	switch t {
	case TypeUserOnline, TypeUserOffline, TypeOnlineUsers:
		return true
	}
	return false
}

var (
	ErrMissingType = errors.New("protocol: envelope has no type")
	ErrUnknownType = errors.New("protocol: unknown envelope type")
)

// Envelope is one frame on the wire.
type Envelope struct {
	Type      MsgType         `json:"type"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// New builds an envelope around a marshalled payload.
func New(t MsgType, to string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode parses one frame. A frame without a type, or with a type outside
// the closed set, yields an error; callers log and drop, never fail the
// connection over it.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: bad frame: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if !Known(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Type == TypeUsersList {
		env.Type = TypeOnlineUsers
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.Type, err)
	}
	return b, nil
}

// ParseData unmarshals the envelope payload into v.
func (e *Envelope) ParseData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: bad %s payload: %w", e.Type, err)
	}
	return nil
}

// Stamp sets the sender and a server-assigned timestamp. The router calls
// this on every inbound envelope; the client-supplied From is never trusted.
func (e *Envelope) Stamp(from string, now time.Time) {
	e.From = from
	e.Timestamp = now.UTC().Format(time.RFC3339Nano)
}
