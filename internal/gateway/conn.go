package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/events"
	"github.com/tabrelay/tabrelay/internal/events/bus"
	"github.com/tabrelay/tabrelay/internal/session"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// handshakeWait is how long the first frame may take to arrive.
	handshakeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames; screenshots ride base64-encoded
	// inside chat frames.
	maxMessageSize = 8 * 1024 * 1024

	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 256
)

// Conn is one extension connection. The keepalive is JSON-level: the relay
// sends ping frames on a timer and the extension answers with pong frames;
// too many unanswered pings tear the connection down.
type Conn struct {
	id     string
	g      *Gateway
	ws     *gorillaws.Conn
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger

	closeOnce sync.Once

	mu           sync.Mutex
	sess         *session.Session
	pendingPings int
}

func newConn(g *Gateway, ws *gorillaws.Conn) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:     id,
		g:      g,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: g.logger.WithFields(zap.String("conn_id", id)),
	}
}

// readPump runs the handshake and then decodes and dispatches frames until
// the connection dies.
func (c *Conn) readPump(ctx context.Context) {
	defer c.cleanup()

	c.ws.SetReadLimit(maxMessageSize)

	if !c.handshake(ctx) {
		return
	}

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		if !c.dispatch(ctx, payload) {
			return
		}
	}
}

// handshake enforces the first-frame rule: a well-formed handshake frame
// within the deadline, or the connection closes with 4002.
func (c *Conn) handshake(ctx context.Context) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeWait))

	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		c.logger.WithError(err).Debug("connection closed before handshake")
		return false
	}

	frameType, err := wire.PeekType(payload)
	if err != nil || frameType != wire.TypeHandshake {
		c.logger.Warn("first frame was not a handshake")
		c.close(wire.CloseProtocolError, "handshake required")
		return false
	}

	var hs wire.Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		c.close(wire.CloseProtocolError, "malformed handshake")
		return false
	}

	sess, ack, err := c.g.manager.Handshake(ctx, c.id, &hs, c.enqueue)
	if err != nil {
		c.logger.WithError(err).Error("handshake failed")
		c.close(gorillaws.CloseInternalServerErr, "handshake failed")
		return false
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.logger = c.logger.WithSessionID(sess.ID())

	payload, err = wire.Marshal(ack)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal handshake ack")
		return false
	}
	c.enqueue(payload)

	_ = c.ws.SetReadDeadline(time.Time{})
	return true
}

// dispatch routes one inbound frame. Returns false when the connection must
// close.
func (c *Conn) dispatch(ctx context.Context, payload []byte) bool {
	frameType, err := wire.PeekType(payload)
	if err != nil {
		c.logger.Warn("closing connection on malformed frame")
		c.close(wire.CloseProtocolError, "malformed frame")
		return false
	}

	sess := c.session()

	switch frameType {
	case wire.TypePong:
		c.mu.Lock()
		c.pendingPings = 0
		c.mu.Unlock()

	case wire.TypeChat:
		var chat wire.Chat
		if err := json.Unmarshal(payload, &chat); err != nil {
			c.close(wire.CloseProtocolError, "malformed chat frame")
			return false
		}
		sess.HandleChat(ctx, &chat)

	case wire.TypeCancelRequest:
		sess.HandleCancel()

	case wire.TypeUpdatePermissionMode:
		var frame wire.UpdatePermissionMode
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.close(wire.CloseProtocolError, "malformed frame")
			return false
		}
		sess.HandleModeUpdate(ctx, &frame)

	case wire.TypePermissionResponse:
		var frame wire.PermissionResponse
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.close(wire.CloseProtocolError, "malformed frame")
			return false
		}
		sess.HandlePermissionResponse(&frame)

	case wire.TypeClearSession:
		sess.HandleClear(ctx)

	case wire.TypeHandshake:
		c.sendError(wire.ErrorCodeProtocolError, "handshake already completed")

	default:
		// Unknown frame types are ignored so newer extensions keep working.
		c.logger.Warn("ignoring unknown frame type", zap.String("frame_type", string(frameType)))
	}
	return true
}

// writePump drains the outbound queue and runs the JSON keepalive.
func (c *Conn) writePump() {
	interval := c.g.cfg.Keepalive.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(gorillaws.TextMessage, payload); err != nil {
				c.logger.WithError(err).Debug("websocket write failed")
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			missed := c.pendingPings
			c.pendingPings++
			c.mu.Unlock()

			if missed >= c.g.cfg.Keepalive.PingMissLimit {
				c.logger.Warn("peer missed keepalive pings, closing",
					zap.Int("missed", missed))
				return
			}

			payload, err := wire.Marshal(&wire.Ping{Type: wire.TypePing})
			if err != nil {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(gorillaws.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// enqueue queues an outbound frame. The queue never blocks the session; a
// full queue drops the frame and lets the keepalive detect the dead peer.
func (c *Conn) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("outbound queue full, dropping frame")
	}
}

func (c *Conn) sendError(code, message string) {
	payload, err := wire.Marshal(wire.NewError(code, message))
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// close sends a close frame with the given code and tears the socket down.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// cleanup runs when the read pump exits: deregister, stop the writer, and
// announce the lost connection so the session cancels in-flight work.
func (c *Conn) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	c.g.unregister(c)

	sess := c.session()
	if sess == nil || c.g.bus == nil {
		return
	}
	event := bus.NewEvent(events.ConnLost, "gateway", map[string]interface{}{
		"session_id": sess.ID(),
		"conn_id":    c.id,
	})
	if err := c.g.bus.Publish(context.Background(), events.ConnLost, event); err != nil {
		c.logger.WithError(err).Debug("failed to publish connection loss")
	}
}
