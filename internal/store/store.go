// Package store holds the chat-persistence collaborator the router talks
// to. Persistence is best effort: the router invokes it fire-and-forget and
// a failing store never blocks or fails delivery.
package store

import (
	"context"
)

// ChatRecord is one persisted chat message.
type ChatRecord struct {
	From           string `json:"from"`
	To             string `json:"to"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	Timestamp      string `json:"timestamp"`
}

// MessageStore is the external message-persistence surface.
type MessageStore interface {
	AppendMessage(ctx context.Context, rec ChatRecord) error
	MarkRead(ctx context.Context, readerID string, messageIDs []string) error
}

// Noop discards everything. Used when no store backend is configured.
type Noop struct{}

func (Noop) AppendMessage(context.Context, ChatRecord) error  { return nil }
func (Noop) MarkRead(context.Context, string, []string) error { return nil }
