// Package server implements the realtime gateway: the connection registry,
// the envelope router, presence fan-out and the liveness sweep. One pair of
// pump goroutines serves each accepted connection; the registry is the only
// shared mutable state between them.
package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")
var errConnClosed = errors.New("connection closed")

// Conn is the transport handle the registry owns for one endpoint.
// TrySend never blocks; a full send buffer is a backpressure error and the
// frame is dropped for that connection only.
type Conn interface {
	TrySend(frame []byte) error
	Close()
}

type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn, sendBuf int, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		send:         make(chan []byte, sendBuf),
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// writePump drains the send channel onto the socket. It exits when the
// channel is closed or a write fails; a write failure leaves the read pump
// to notice the dead socket and run the disconnect path.
func (c *wsConn) writePump() {
	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			log.Error().Err(err).Str("module", "server.conn").Msg("writePump set deadline")
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "server.conn").Msg("writePump write error")
			return
		}
	}
}
