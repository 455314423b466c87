package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

func TestPresenceOnline(t *testing.T) {
	reg := NewRegistry()
	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register("alice", alice, time.Now())
	reg.Register("bob", bob, time.Now())

	NewPresence(reg, 0).Online("alice")

	// Bob sees the delta plus the snapshot.
	got := bob.sent()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeUserOnline, got[0].Type)
	var p protocol.Presence
	require.NoError(t, got[0].ParseData(&p))
	assert.Equal(t, "alice", p.UserID)

	assert.Equal(t, protocol.TypeOnlineUsers, got[1].Type)
	var users protocol.OnlineUsers
	require.NoError(t, got[1].ParseData(&users))
	assert.Equal(t, []string{"alice", "bob"}, users.Users)

	// The subject gets only the snapshot, not its own delta.
	got = alice.sent()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeOnlineUsers, got[0].Type)
}

func TestPresenceOffline(t *testing.T) {
	reg := NewRegistry()
	bob := &fakeConn{}
	reg.Register("bob", bob, time.Now())

	// alice already unregistered; her departure is announced to the rest.
	NewPresence(reg, 0).Offline("alice")

	got := bob.sent()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeUserOffline, got[0].Type)
	var users protocol.OnlineUsers
	require.NoError(t, got[1].ParseData(&users))
	assert.Equal(t, []string{"bob"}, users.Users)
}
