package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
	"github.com/pmtrec/SHAPPWHAT/internal/store"
)

type recordingStore struct {
	appended chan store.ChatRecord
	marked   chan []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		appended: make(chan store.ChatRecord, 4),
		marked:   make(chan []string, 4),
	}
}

func (s *recordingStore) AppendMessage(_ context.Context, rec store.ChatRecord) error {
	s.appended <- rec
	return nil
}

func (s *recordingStore) MarkRead(_ context.Context, _ string, ids []string) error {
	s.marked <- ids
	return nil
}

func routerFixture(t *testing.T) (*Router, *Registry, *recordingStore) {
	t.Helper()
	reg := NewRegistry()
	st := newRecordingStore()
	r := NewRouter(reg, st, NewCallTracker())
	r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return r, reg, st
}

func TestRouteStampsSender(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	env, err := protocol.New(protocol.TypeTyping, "bob", protocol.Typing{IsTyping: true})
	require.NoError(t, err)
	env.From = "mallory" // wire value must be overwritten
	r.Route(env, "alice")

	got := bob.sent()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].From)
	assert.Equal(t, "2025-06-01T12:00:00Z", got[0].Timestamp)
}

func TestRouteForwardExactlyOnce(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	other := &fakeConn{}
	reg.Register("bob", bob, time.Now())
	reg.Register("carol", other, time.Now())

	env, _ := protocol.New(protocol.TypeTyping, "bob", protocol.Typing{IsTyping: true})
	r.Route(env, "alice")

	assert.Len(t, bob.sent(), 1)
	assert.Empty(t, other.sent(), "addressed envelopes go only to their target")
}

func TestRouteOfflineRecipientIsNoop(t *testing.T) {
	r, _, _ := routerFixture(t)
	env, _ := protocol.New(protocol.TypeTyping, "ghost", protocol.Typing{IsTyping: true})
	r.Route(env, "alice") // must not panic or error out
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	r, reg, _ := routerFixture(t)
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice, time.Now())
	reg.Register("bob", bob, time.Now())

	env, _ := protocol.New(protocol.TypeUserOnline, "", protocol.Presence{UserID: "alice"})
	r.Route(env, "alice")

	assert.Empty(t, alice.sent())
	require.Len(t, bob.sent(), 1)
	assert.Equal(t, protocol.TypeUserOnline, bob.sent()[0].Type)
}

func TestRouteUnaddressedNonBroadcastDropped(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	env, _ := protocol.New(protocol.TypeChatMessage, "", protocol.ChatMessage{Content: "to nobody"})
	r.Route(env, "alice")

	assert.Empty(t, bob.sent())
}

func TestRoutePingGetsPong(t *testing.T) {
	r, reg, _ := routerFixture(t)
	alice := &fakeConn{}
	reg.Register("alice", alice, time.Now())

	r.Route(&protocol.Envelope{Type: protocol.TypePing}, "alice")

	got := alice.sent()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypePong, got[0].Type)
}

func TestRoutePersistsChat(t *testing.T) {
	r, reg, st := routerFixture(t)
	reg.Register("bob", &fakeConn{}, time.Now())

	env, _ := protocol.New(protocol.TypeChatMessage, "bob", protocol.ChatMessage{
		Content:        "hello",
		ConversationID: "conv-1",
		MessageType:    "text",
	})
	r.Route(env, "alice")

	select {
	case rec := <-st.appended:
		assert.Equal(t, "alice", rec.From)
		assert.Equal(t, "bob", rec.To)
		assert.Equal(t, "hello", rec.Content)
		assert.Equal(t, "conv-1", rec.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("chat was never handed to the store")
	}
}

func TestRoutePersistsMessageRead(t *testing.T) {
	r, reg, st := routerFixture(t)
	reg.Register("bob", &fakeConn{}, time.Now())

	env, _ := protocol.New(protocol.TypeMessageRead, "bob", protocol.MessageRead{MessageIDs: []string{"m1", "m2"}})
	r.Route(env, "alice")

	select {
	case ids := <-st.marked:
		assert.Equal(t, []string{"m1", "m2"}, ids)
	case <-time.After(time.Second):
		t.Fatal("read receipt was never handed to the store")
	}
}

func TestRouteStampsMissingCallID(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	env, _ := protocol.New(protocol.TypeCallOffer, "bob", protocol.CallOffer{Kind: protocol.CallVoice})
	r.Route(env, "alice")

	got := bob.sent()
	require.Len(t, got, 1)
	var offer protocol.CallOffer
	require.NoError(t, got[0].ParseData(&offer))
	assert.NotEmpty(t, offer.CallID, "offer without callId gets one stamped in")
}

func TestRouteCallOfferNullData(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	// A well formed envelope may still carry a null payload; routing it
	// must cost nothing but the missing fields.
	env := &protocol.Envelope{
		Type: protocol.TypeCallOffer,
		To:   "bob",
		Data: []byte("null"),
	}
	r.Route(env, "alice")

	got := bob.sent()
	require.Len(t, got, 1)
	var offer protocol.CallOffer
	require.NoError(t, got[0].ParseData(&offer))
	assert.NotEmpty(t, offer.CallID)
}

func TestRouteCallOfferAbsentData(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	r.Route(&protocol.Envelope{Type: protocol.TypeCallOffer, To: "bob"}, "alice")

	got := bob.sent()
	require.Len(t, got, 1)
	var offer protocol.CallOffer
	require.NoError(t, got[0].ParseData(&offer))
	assert.NotEmpty(t, offer.CallID)
}

func TestRouteKeepsExistingCallID(t *testing.T) {
	r, reg, _ := routerFixture(t)
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	env, _ := protocol.New(protocol.TypeCallOffer, "bob", protocol.CallOffer{Kind: protocol.CallVideo, CallID: "call-7"})
	r.Route(env, "alice")

	var offer protocol.CallOffer
	require.NoError(t, bob.sent()[0].ParseData(&offer))
	assert.Equal(t, "call-7", offer.CallID)
}
