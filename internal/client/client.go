// Package client is the endpoint side of the gateway transport: one
// WebSocket connection with typed handler dispatch, application-level
// heartbeats and reconnect-with-backoff on abnormal close.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/config"
	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected  = errors.New("client: not connected")
	ErrBackpressure  = errors.New("client: send buffer full")
	ErrHandlerExists = errors.New("client: handler already registered for type")
)

// Handler consumes one inbound envelope. Dispatch runs synchronously with
// the read loop, so handlers must not block; blocking work is handed off.
type Handler = func(env *protocol.Envelope)

// Options configures one Client. Zero-value fields fall back to the
// defaults in FromConfig.
type Options struct {
	URL               string
	EndpointID        string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffAttempts   int
	SendBuf           int
}

func FromConfig(cfg *config.Config, endpointID string) Options {
	return Options{
		URL:               cfg.ServerURL,
		EndpointID:        endpointID,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		BackoffAttempts:   cfg.BackoffAttempts,
		SendBuf:           32,
	}
}

// Client is an explicitly constructed, injectable transport instance; the
// composition point owns it and tests build fresh ones per case.
type Client struct {
	opts Options

	mu           sync.Mutex
	state        State
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	reconnecting bool
	backoff      Backoff

	hmu      sync.RWMutex
	handlers map[protocol.MsgType]Handler

	cmu        sync.Mutex
	closeHooks []func()

	misses int32

	// after is the reconnect scheduler; tests swap in a fake clock.
	after func(time.Duration) <-chan time.Time
}

func New(opts Options) *Client {
	if opts.SendBuf <= 0 {
		opts.SendBuf = 32
	}
	return &Client{
		opts:     opts,
		handlers: make(map[protocol.MsgType]Handler),
		backoff: Backoff{
			Base:     opts.BackoffBase,
			Cap:      opts.BackoffCap,
			Attempts: opts.BackoffAttempts,
		},
		after: time.After,
	}
}

// Handle binds h as the single handler for t. A second registration for
// the same type is an error, which keeps "exactly one handler per type" an
// enforced invariant instead of a hidden listener list.
func (c *Client) Handle(t protocol.MsgType, h Handler) error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if _, dup := c.handlers[t]; dup {
		return fmt.Errorf("%w: %s", ErrHandlerExists, t)
	}
	c.handlers[t] = h
	return nil
}

// OnClose registers a hook invoked every time the transport drops, before
// any reconnect attempt. The call orchestrator hangs its cleanup here so
// no peer connection outlives the transport.
func (c *Client) OnClose(fn func()) {
	c.cmu.Lock()
	c.closeHooks = append(c.closeHooks, fn)
	c.cmu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateConnected }

// Connect dials the gateway and starts the pump goroutines. It is
// idempotent while already connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosing:
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("client: bad server url: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.opts.EndpointID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("client: connect: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrNotConnected
	}
	c.ws = ws
	c.send = make(chan []byte, c.opts.SendBuf)
	c.done = make(chan struct{})
	c.state = StateConnected
	c.backoff.Reset()
	atomic.StoreInt32(&c.misses, 0)
	send, done := c.send, c.done
	c.mu.Unlock()

	log.Info().Str("module", "client").Str("id", c.opts.EndpointID).Msg("connected")

	go c.writePump(ws, send, done)
	go c.readLoop(ws)
	go c.heartbeat(ws, done)
	return nil
}

// Send encodes and queues one envelope. It fails fast on a non-connected
// client and never blocks; a failed send means "not delivered, the caller
// queues if it cares".
func (c *Client) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	st := c.state
	send := c.send
	c.mu.Unlock()
	if st != StateConnected {
		return ErrNotConnected
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts the transport down for good; no reconnect is scheduled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosing
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	} else if prev == StateDisconnected {
		c.setState(StateDisconnected)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) writePump(ws *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-send:
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "client").Msg("write error")
				return
			}
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.connLost(ws)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame proves the link alive.
		atomic.StoreInt32(&c.misses, 0)

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		_ = c.Send(&protocol.Envelope{Type: protocol.TypePong})
		return
	case protocol.TypePong:
		return
	}

	c.hmu.RLock()
	h, ok := c.handlers[env.Type]
	c.hmu.RUnlock()
	if !ok {
		log.Debug().Str("module", "client").Str("type", string(env.Type)).Msg("no handler, dropped")
		return
	}
	h(env)
}

// heartbeat pings on a fixed interval and counts unanswered rounds. Past
// the miss limit it closes the socket proactively so reconnection starts
// now instead of waiting for the server-side eviction.
func (c *Client) heartbeat(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if int(atomic.LoadInt32(&c.misses)) >= c.opts.HeartbeatMisses {
			log.Warn().Str("module", "client").Msg("heartbeat misses exceeded, closing transport")
			_ = ws.Close()
			return
		}
		atomic.AddInt32(&c.misses, 1)
		if err := c.Send(&protocol.Envelope{Type: protocol.TypePing}); err != nil {
			return
		}
	}
}

// connLost runs the disconnect path exactly once per connection: close
// hooks fire, then reconnection is scheduled unless the close was
// deliberate.
func (c *Client) connLost(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	close(c.done)
	c.send = nil
	deliberate := c.state == StateClosing
	if !deliberate {
		c.state = StateDisconnected
	}
	startReconnect := !deliberate && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.cmu.Lock()
	hooks := make([]func(), len(c.closeHooks))
	copy(hooks, c.closeHooks)
	c.cmu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.state == StateClosing {
			c.mu.Unlock()
			return
		}
		delay, ok := c.backoff.Next()
		attempt := c.backoff.Attempt()
		c.mu.Unlock()
		if !ok {
			log.Error().Str("module", "client").Msg("reconnect attempts exhausted, giving up")
			return
		}

		log.Info().Str("module", "client").Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
		<-c.after(delay)

		if err := c.Connect(context.Background()); err == nil {
			return
		}
	}
}
