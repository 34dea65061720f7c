// ABOUTME: Websocket transport binding one connection to one chat session
// ABOUTME: Runs a read pump for client frames and a write pump with keepalive pings

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/presence"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
)

// sendBufferSize bounds the frames queued for one connection. A client that
// falls further behind is disconnected.
const sendBufferSize = 64

// wsConn is one websocket client. It receives session updates and turns
// them into server frames.
type wsConn struct {
	gw       *Gateway
	conn     *websocket.Conn
	sess     *session.Session
	identity *auth.TokenIdentity
	release  func()
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	send   chan []byte

	// deliverMu orders session deliveries after the bound frame of a bind.
	deliverMu sync.Mutex
}

// handleWebSocket handles GET /ws. The token may be passed as ?token= since
// browsers cannot set headers on the upgrade request.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		gw:     g,
		send:   make(chan []byte, sendBufferSize),
		logger: g.logger.With("user_id", ac.UserID, "transport", "websocket"),
		ctx:    ctx,
		cancel: cancel,
	}

	sess, identity, release, err := g.newSession(ac, c)
	if err != nil {
		cancel()
		g.writeChatError(w, err)
		return
	}
	c.sess, c.identity, c.release = sess, identity, release

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		c.logger.Warn("websocket upgrade failed", "error", err)
		release()
		cancel()
		return
	}
	c.conn = conn
	conn.SetReadLimit(g.config.WebSocket.MaxMessageSize)

	g.trackConn(c, true)
	c.logger.Info("websocket connected")

	go c.writePump()
	go c.readPump()
}

// trackConn adds or removes c from the set closed on shutdown.
func (g *Gateway) trackConn(c *wsConn, add bool) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	if add {
		g.conns[c] = struct{}{}
	} else {
		delete(g.conns, c)
	}
}

// closeConns ends every websocket session.
func (g *Gateway) closeConns() {
	g.connsMu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		c.release()
	}
}

// readPump reads client frames until the socket fails or closes.
func (c *wsConn) readPump() {
	defer func() {
		c.release()
		c.closeWith(session.ReasonClosed)
		c.cancel()
		c.gw.trackConn(c, false)
		c.logger.Info("websocket disconnected")
	}()

	readTimeout := c.gw.config.WebSocket.ReadTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

// writePump writes queued frames and pings the client every PingInterval.
func (c *wsConn) writePump() {
	wsCfg := c.gw.config.WebSocket
	ticker := time.NewTicker(wsCfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsCfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsCfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues v for the write pump. It reports false once the
// connection is closing.
func (c *wsConn) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal frame", "error", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting client")
		c.closed = true
		close(c.send)
		return false
	}
}

// closeWith queues a closed frame and ends the write pump after it.
func (c *wsConn) closeWith(reason string) {
	data, _ := json.Marshal(ClosedFrame{Type: FrameClosed, Reason: reason})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	select {
	case c.send <- data:
	default:
	}
	close(c.send)
}

func (c *wsConn) OnMessages(key string, snapshot []store.Message) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.enqueue(newMessagesFrame(key, snapshot))
}

func (c *wsConn) OnTyping(key string, st presence.State) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.enqueue(newTypingFrame(key, st))
}

func (c *wsConn) OnClosed(reason string) {
	c.closeWith(reason)
}

// handleFrame dispatches one client frame. Frames are handled in arrival
// order, so a client's sends are appended in the order it wrote them.
func (c *wsConn) handleFrame(data []byte) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("", chaterr.ErrInvalidArgument, "invalid JSON frame")
		return
	}

	ctx := c.ctx
	switch f.Type {
	case FrameBind:
		if f.RemoteUserID == "" {
			c.sendError(f.RequestID, chaterr.ErrInvalidArgument, "remote_user_id is required")
			return
		}
		// The new binding's first snapshot waits on deliverMu, so bound goes out first.
		c.deliverMu.Lock()
		key, err := c.gw.bind(ctx, c.sess, f.RemoteUserID)
		if err == nil {
			c.enqueue(BoundFrame{Type: FrameBound, RequestID: f.RequestID, ConversationKey: key, RemoteUserID: f.RemoteUserID})
		}
		c.deliverMu.Unlock()
		if err != nil {
			c.sendErr(f.RequestID, err)
			return
		}

	case FrameUnbind:
		if err := c.sess.Unbind(); err != nil {
			c.sendErr(f.RequestID, err)
			return
		}
		c.enqueue(AckFrame{Type: FrameUnbound, RequestID: f.RequestID})

	case FrameSend:
		id, dup, err := c.gw.sendDeduped(ctx, c.sess, f.ClientMessageID, f.Text)
		if err != nil {
			c.sendErr(f.RequestID, err)
			return
		}
		c.enqueue(AckFrame{Type: FrameAck, RequestID: f.RequestID, MessageID: id, Duplicate: dup})

	case FrameTyping:
		if err := c.sess.SignalTyping(); err != nil {
			c.sendErr(f.RequestID, err)
		}

	case FrameMarkRead:
		if err := c.sess.MarkRead(ctx, f.MessageID); err != nil {
			c.sendErr(f.RequestID, err)
			return
		}
		c.enqueue(AckFrame{Type: FrameAck, RequestID: f.RequestID, MessageID: f.MessageID})

	case FrameSignOut:
		c.identity.SignOut()

	default:
		c.sendError(f.RequestID, chaterr.ErrInvalidArgument, "unknown frame type: "+f.Type)
	}
}

func (c *wsConn) sendErr(requestID string, err error) {
	c.enqueue(ErrorFrame{
		Type:      FrameError,
		RequestID: requestID,
		Code:      chaterr.Code(err),
		Message:   err.Error(),
		Retryable: chaterr.IsRetryable(err),
	})
}

func (c *wsConn) sendError(requestID string, kind error, msg string) {
	c.enqueue(ErrorFrame{
		Type:      FrameError,
		RequestID: requestID,
		Code:      chaterr.Code(kind),
		Message:   msg,
		Retryable: false,
	})
}
