package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmtrec/SHAPPWHAT/internal/config"
	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
	"github.com/pmtrec/SHAPPWHAT/internal/store"
)

func testGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Mode:         "release",
		WSPath:       "/ws",
		Secret:       "test-secret",
		ReadLimit:    1 << 20,
		WriteTimeout: 2 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	g := NewGateway(cfg, store.Noop{})
	srv := httptest.NewServer(SetupRouter(cfg, g))
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + id
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// readUntil drains frames until one of the wanted type shows up; presence
// traffic interleaves with everything else.
func readUntil(t *testing.T, ws *websocket.Conn, want protocol.MsgType) *protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, ws)
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", want)
	return nil
}

func TestGatewayForwardsAddressedEnvelope(t *testing.T) {
	_, srv := testGateway(t)
	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")

	// First frame to alice after bob joins is the user-online delta.
	env := readUntil(t, alice, protocol.TypeUserOnline)
	var p protocol.Presence
	require.NoError(t, env.ParseData(&p))
	assert.Equal(t, "bob", p.UserID)

	out, _ := protocol.New(protocol.TypeChatMessage, "bob", protocol.ChatMessage{Content: "hi bob"})
	frame, _ := out.Encode()
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))

	in := readUntil(t, bob, protocol.TypeChatMessage)
	assert.Equal(t, "alice", in.From, "sender stamped by the gateway")
	assert.NotEmpty(t, in.Timestamp)
	var msg protocol.ChatMessage
	require.NoError(t, in.ParseData(&msg))
	assert.Equal(t, "hi bob", msg.Content)
}

func TestGatewayMalformedFrameKeepsConnection(t *testing.T) {
	_, srv := testGateway(t)
	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")
	readUntil(t, alice, protocol.TypeUserOnline)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	// The connection survived; routing still works.
	out, _ := protocol.New(protocol.TypeChatMessage, "bob", protocol.ChatMessage{Content: "still here"})
	frame, _ := out.Encode()
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))
	in := readUntil(t, bob, protocol.TypeChatMessage)
	var msg protocol.ChatMessage
	require.NoError(t, in.ParseData(&msg))
	assert.Equal(t, "still here", msg.Content)
}

func TestGatewayPresenceOnDisconnect(t *testing.T) {
	g, srv := testGateway(t)
	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")
	readUntil(t, alice, protocol.TypeUserOnline)

	require.NoError(t, bob.Close())

	env := readUntil(t, alice, protocol.TypeUserOffline)
	var p protocol.Presence
	require.NoError(t, env.ParseData(&p))
	assert.Equal(t, "bob", p.UserID)

	require.Eventually(t, func() bool { return g.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayEvictionSynthesizesCallEnd(t *testing.T) {
	_, srv := testGateway(t)
	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")
	readUntil(t, alice, protocol.TypeUserOnline)

	offer, _ := protocol.New(protocol.TypeCallOffer, "bob", protocol.CallOffer{Kind: protocol.CallVoice, CallID: "c1"})
	frame, _ := offer.Encode()
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))
	readUntil(t, bob, protocol.TypeCallOffer)

	// Bob vanishes mid-ring; alice must still reach a terminal state.
	require.NoError(t, bob.Close())

	env := readUntil(t, alice, protocol.TypeCallEnd)
	var end protocol.CallEnd
	require.NoError(t, env.ParseData(&end))
	assert.Equal(t, "c1", end.CallID)
}

func TestGatewayRoutingPanicCostsOneConnection(t *testing.T) {
	g, srv := testGateway(t)
	// Break the router so the first routed envelope panics inside the
	// read pump.
	g.Router.now = nil

	alice := dialWS(t, srv, "alice")
	readUntil(t, alice, protocol.TypeOnlineUsers)
	bob := dialWS(t, srv, "bob")
	readUntil(t, bob, protocol.TypeOnlineUsers)

	out, _ := protocol.New(protocol.TypeTyping, "bob", protocol.Typing{IsTyping: true})
	frame, _ := out.Encode()
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, frame))

	// Only alice's connection pays for the fault.
	require.Eventually(t, func() bool { return g.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	env := readUntil(t, bob, protocol.TypeUserOffline)
	var p protocol.Presence
	require.NoError(t, env.ParseData(&p))
	assert.Equal(t, "alice", p.UserID)

	// The process is still serving: REST answers and new endpoints join.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.Router.now = time.Now
	carol := dialWS(t, srv, "carol")
	readUntil(t, carol, protocol.TypeOnlineUsers)
}

func TestGatewayRESTSurface(t *testing.T) {
	_, srv := testGateway(t)
	alice := dialWS(t, srv, "alice")
	// The join snapshot proves registration completed.
	readUntil(t, alice, protocol.TypeOnlineUsers)

	resp, err := http.Get(srv.URL + "/api/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"alice"}, body.Users)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestGatewaySupersededConnection(t *testing.T) {
	g, srv := testGateway(t)
	first := dialWS(t, srv, "alice")
	second := dialWS(t, srv, "alice")

	// The first socket gets closed by the registry swap.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement stays registered despite the old read pump exiting.
	require.Eventually(t, func() bool {
		_, ok := g.Registry.Lookup("alice")
		return ok && g.Registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	out, _ := protocol.New(protocol.TypePing, "", nil)
	frame, _ := out.Encode()
	require.NoError(t, second.WriteMessage(websocket.TextMessage, frame))
	env := readUntil(t, second, protocol.TypePong)
	assert.Equal(t, protocol.TypePong, env.Type)
}
