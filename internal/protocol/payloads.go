package protocol

import "github.com/pion/webrtc/v4"

// CallKind distinguishes audio-only calls from calls with video.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// ChatMessage is the payload of a chat-message envelope.
type ChatMessage struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	MessageType    string `json:"messageType"`
}

// Typing is the payload of a typing envelope.
type Typing struct {
	IsTyping bool `json:"isTyping"`
}

// MessageRead is the payload of a message-read envelope.
type MessageRead struct {
	MessageIDs []string `json:"messageIds"`
}

// CallOffer is the payload of a call-offer envelope. CallID is generated by
// the initiator; the gateway stamps one in if it is missing.
type CallOffer struct {
	Offer  webrtc.SessionDescription `json:"offer"`
	Kind   CallKind                  `json:"type"`
	CallID string                    `json:"callId,omitempty"`
}

// CallAnswer is the payload of a call-answer envelope. Answer is nil when
// the callee declined.
type CallAnswer struct {
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	CallID   string                     `json:"callId"`
	Accepted bool                       `json:"accepted"`
}

// IceCandidate is the payload of an ice-candidate envelope.
type IceCandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallEnd is the payload of a call-end envelope.
type CallEnd struct {
	CallID string `json:"callId"`
}

// Presence is the payload of user-online and user-offline envelopes.
type Presence struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the payload of an online-users snapshot.
type OnlineUsers struct {
	Users []string `json:"users"`
}
