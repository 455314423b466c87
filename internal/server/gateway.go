package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/config"
	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
	"github.com/pmtrec/SHAPPWHAT/internal/store"
)

const sendBufSize = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway ties the registry, router, presence broadcaster and liveness
// monitor together behind one WebSocket endpoint.
type Gateway struct {
	cfg      *config.Config
	Registry *Registry
	Router   *Router
	Presence *Presence
	Calls    *CallTracker
	Monitor  *Monitor
}

func NewGateway(cfg *config.Config, st store.MessageStore) *Gateway {
	g := &Gateway{cfg: cfg}
	g.Registry = NewRegistry()
	g.Calls = NewCallTracker()
	g.Router = NewRouter(g.Registry, st, g.Calls)
	g.Presence = NewPresence(g.Registry, cfg.PresenceRefresh)
	g.Monitor = NewMonitor(g.Registry, g.Calls, cfg.SweepInterval, cfg.IdleTimeout, cfg.PingAhead, g.Drop)
	return g
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware issues a stable per-browser token cookie. An
// endpoint that connects without an explicit id falls back to this token.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter wires the WS endpoint plus the small REST surface.
func SetupRouter(cfg *config.Config, g *Gateway) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("GatewaySessions", cookieStore))
	r.Use(ClientTokenMiddleware())

	r.GET(cfg.WSPath, g.HandleWS)

	api := r.Group("/api")
	api.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": g.Registry.SnapshotIDs()})
	})
	api.GET("/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calls": g.Calls.Snapshot()})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online": g.Registry.Count()})
	})

	return r
}

// HandleWS upgrades the connection, registers the endpoint and runs the
// pump pair until the socket dies.
func (g *Gateway) HandleWS(c *gin.Context) {
	id := c.Query("userId")
	if id == "" {
		id = c.GetString("client_token")
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing userId"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.gateway").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(g.cfg.ReadLimit)

	conn := newWSConn(ws, sendBufSize, g.cfg.WriteTimeout)
	g.Registry.Register(id, conn, time.Now())
	log.Info().Str("module", "server.gateway").Str("id", id).Msg("endpoint connected")
	g.Presence.Online(id)

	go conn.writePump()
	go g.readPump(id, conn)
}

func (g *Gateway) readPump(id string, conn *wsConn) {
	defer g.Drop(id, conn, "socket closed")
	// The pump runs outside the gin handler goroutine, so gin.Recovery
	// cannot see it. A routing fault costs this connection, not the
	// process.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("module", "server.gateway").Str("id", id).Msg("read pump panic")
		}
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				log.Info().Err(err).Str("module", "server.gateway").Str("id", id).Msg("read loop exit")
			}
			return
		}
		g.Registry.Touch(id, time.Now())

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays open.
			log.Warn().Err(err).Str("module", "server.gateway").Str("id", id).Msg("dropping frame")
			continue
		}
		g.Router.Route(env, id)
	}
}

// Drop runs the full disconnect path for one connection: conn-scoped
// unregister, presence fan-out and synthesized call-end for any call the
// endpoint was part of. Safe to call from both the read pump and the
// liveness sweep; whoever loses the unregister race does nothing.
func (g *Gateway) Drop(id string, c Conn, reason string) {
	if !g.Registry.Unregister(id, c) {
		c.Close()
		return
	}
	c.Close()
	log.Info().Str("module", "server.gateway").Str("id", id).Str("reason", reason).Msg("endpoint dropped")
	g.Presence.Offline(id)

	for _, dropped := range g.Calls.EvictEndpoint(id) {
		env, err := protocol.New(protocol.TypeCallEnd, dropped.Peer, protocol.CallEnd{CallID: dropped.CallID})
		if err != nil {
			continue
		}
		env.Stamp(id, time.Now())
		g.Router.Forward(env)
	}
}
