// Package gateway terminates the extension's WebSocket connections and the
// local REST API. It enforces the local-only posture (extension origins
// only, connection cap), runs the handshake, and dispatches decoded frames
// to the owning session.
package gateway

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/config"
	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/events/bus"
	"github.com/tabrelay/tabrelay/internal/session"
	"github.com/tabrelay/tabrelay/internal/store"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

// extensionSchemes are the Origin prefixes accepted from browser extensions.
var extensionSchemes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-web-extension://",
}

// Gateway owns the WebSocket endpoint and the REST handlers.
type Gateway struct {
	cfg      *config.Config
	manager  *session.Manager
	store    *store.Store
	bus      bus.EventBus
	logger   *logger.Logger
	upgrader gorillaws.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates the gateway. Origin enforcement happens after the upgrade so
// rejected peers get a proper close code instead of a bare HTTP error.
func New(cfg *config.Config, manager *session.Manager, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		cfg:     cfg,
		manager: manager,
		store:   st,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "gateway")),
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// Register mounts the WebSocket endpoint and the REST routes.
func (g *Gateway) Register(r *gin.Engine) {
	r.GET("/ws", g.handleWS)
	r.GET("/health", g.handleHealth)
	r.GET("/sessions", g.handleListSessions)
	r.GET("/sessions/:id/messages", g.handleListMessages)

	v1 := r.Group("/api/v1")
	v1.GET("/agent-sessions", g.handleListAgentSessions)
	v1.POST("/sessions/:id/switch-sdk-session", g.handleSwitchConversation)
}

// handleWS upgrades the connection and hands it to a Conn. Rejections close
// with the protocol's codes: 4003 for a bad origin, 4008 over capacity.
func (g *Gateway) handleWS(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	origin := c.GetHeader("Origin")
	if !g.originAllowed(origin) {
		g.logger.Warn("rejecting connection from disallowed origin", zap.String("origin", origin))
		closeWith(ws, wire.CloseOriginRejected, "origin not allowed")
		return
	}

	conn := newConn(g, ws)
	if !g.register(conn) {
		g.logger.Warn("rejecting connection, capacity exceeded",
			zap.Int("max_connections", g.cfg.Server.MaxConnections))
		closeWith(ws, wire.CloseCapacityExceeded, "too many connections")
		return
	}

	go conn.writePump()
	conn.readPump(c.Request.Context())
}

// originAllowed accepts extension origins only. Debug mode relaxes the check
// for local tooling (websocat, test pages).
func (g *Gateway) originAllowed(origin string) bool {
	if g.cfg.Debug {
		return true
	}
	for _, scheme := range extensionSchemes {
		if strings.HasPrefix(origin, scheme) {
			return true
		}
	}
	return false
}

func (g *Gateway) register(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) >= g.cfg.Server.MaxConnections {
		return false
	}
	g.conns[c.id] = c
	return true
}

func (g *Gateway) unregister(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

// ConnectionCount returns the number of live WebSocket connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// CloseAll closes every live connection. Used during graceful shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close(gorillaws.CloseGoingAway, "shutting down")
	}
}

func closeWith(ws *gorillaws.Conn, code int, reason string) {
	_ = ws.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(code, reason))
	_ = ws.Close()
}
