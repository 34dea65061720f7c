// ABOUTME: Tests for the websocket transport
// ABOUTME: Dials real connections to exercise bind, send, typing, read receipts and sign-out

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/session"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) write(f ClientFrame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

// next reads frames until one of type wantType arrives and decodes it into v.
func (c *wsClient) next(wantType string, v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s frame", wantType)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(data, &head))
		if head.Type == wantType {
			require.NoError(c.t, json.Unmarshal(data, v))
			return
		}
	}
}

// nextSnapshot reads snapshot frames until one holds n messages.
func (c *wsClient) nextSnapshot(n int) MessagesFrame {
	c.t.Helper()
	for {
		var f MessagesFrame
		c.next(FrameMessages, &f)
		if len(f.Messages) == n {
			return f
		}
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	_, srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestWebSocket_Conversation(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	a := dialWS(t, srv, alice.Token)
	b := dialWS(t, srv, bob.Token)

	a.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: bob.UserID})
	var bound BoundFrame
	a.next(FrameBound, &bound)
	assert.Equal(t, "1", bound.RequestID)
	assert.Equal(t, bob.UserID, bound.RemoteUserID)
	a.nextSnapshot(0)

	b.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: alice.UserID})
	var bBound BoundFrame
	b.next(FrameBound, &bBound)
	assert.Equal(t, bound.ConversationKey, bBound.ConversationKey)
	b.nextSnapshot(0)

	// Typing reaches the peer and clears on its own.
	a.write(ClientFrame{Type: FrameTyping})
	var typing TypingFrame
	for !typing.Typing {
		b.next(FrameTyping, &typing)
	}
	assert.Equal(t, alice.UserID, typing.UserID)
	assert.NotNil(t, typing.ExpiresAt)

	a.write(ClientFrame{Type: FrameSend, RequestID: "2", Text: "hi bob", ClientMessageID: "m-1"})
	var ack AckFrame
	a.next(FrameAck, &ack)
	assert.Equal(t, "2", ack.RequestID)
	assert.NotEmpty(t, ack.MessageID)
	assert.False(t, ack.Duplicate)

	snap := b.nextSnapshot(1)
	assert.Equal(t, "hi bob", snap.Messages[0].Text)
	assert.Equal(t, "Alice", snap.Messages[0].DisplayName)
	a.nextSnapshot(1)

	// A retried send is acknowledged without a second message.
	a.write(ClientFrame{Type: FrameSend, RequestID: "3", Text: "hi bob", ClientMessageID: "m-1"})
	var dup AckFrame
	a.next(FrameAck, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, ack.MessageID, dup.MessageID)

	b.write(ClientFrame{Type: FrameMarkRead, RequestID: "4", MessageID: ack.MessageID})
	var readAck AckFrame
	b.next(FrameAck, &readAck)
	assert.Equal(t, "4", readAck.RequestID)

	for {
		f := a.nextSnapshot(1)
		if f.Messages[0].Read {
			break
		}
	}

	a.write(ClientFrame{Type: FrameMarkRead, RequestID: "5", MessageID: ack.MessageID})
	var errFrame ErrorFrame
	a.next(FrameError, &errFrame)
	assert.Equal(t, "5", errFrame.RequestID)
	assert.Equal(t, "permission", errFrame.Code)
}

func TestWebSocket_Errors(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")

	a := dialWS(t, srv, alice.Token)

	tests := []struct {
		frame ClientFrame
		code  string
	}{
		{ClientFrame{Type: FrameSend, RequestID: "1", Text: "nobody"}, "illegal_state"},
		{ClientFrame{Type: FrameBind, RequestID: "2"}, "invalid_argument"},
		{ClientFrame{Type: FrameBind, RequestID: "3", RemoteUserID: "ghost"}, "not_found"},
		{ClientFrame{Type: FrameBind, RequestID: "4", RemoteUserID: alice.UserID}, "invalid_argument"},
		{ClientFrame{Type: "shout", RequestID: "5"}, "invalid_argument"},
	}
	for _, tt := range tests {
		a.write(tt.frame)
		var f ErrorFrame
		a.next(FrameError, &f)
		assert.Equal(t, tt.frame.RequestID, f.RequestID)
		assert.Equal(t, tt.code, f.Code, "frame %s", tt.frame.Type)
	}

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var f ErrorFrame
	a.next(FrameError, &f)
	assert.Equal(t, "invalid_argument", f.Code)
}

func TestWebSocket_Unbind(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	a := dialWS(t, srv, alice.Token)
	a.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: bob.UserID})
	var bound BoundFrame
	a.next(FrameBound, &bound)

	a.write(ClientFrame{Type: FrameUnbind, RequestID: "2"})
	var unbound AckFrame
	a.next(FrameUnbound, &unbound)
	assert.Equal(t, "2", unbound.RequestID)

	a.write(ClientFrame{Type: FrameTyping, RequestID: "3"})
	var f ErrorFrame
	a.next(FrameError, &f)
	assert.Equal(t, "illegal_state", f.Code)
}

func TestWebSocket_SignOutClosesSession(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")

	a := dialWS(t, srv, alice.Token)
	a.write(ClientFrame{Type: FrameSignOut})

	var closed ClosedFrame
	a.next(FrameClosed, &closed)
	assert.Equal(t, session.ReasonSignedOut, closed.Reason)

	_, _, err := a.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	alice := register(t, srv, "alice@example.com", "Alice")
	a := dialWS(t, srv, alice.Token)

	// Wait until the server has registered the connection.
	require.Eventually(t, func() bool {
		gw.connsMu.Lock()
		defer gw.connsMu.Unlock()
		return len(gw.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, gw.Shutdown(context.Background()))

	var closed ClosedFrame
	a.next(FrameClosed, &closed)
	assert.Equal(t, session.ReasonClosed, closed.Reason)
}

func TestWebSocket_BoundPrecedesSnapshot(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	resp := doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, SendRequest{Text: "earlier"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for i := range 10 {
		a := dialWS(t, srv, alice.Token)
		a.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: bob.UserID})

		require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var first struct {
			Type string `json:"type"`
		}
		require.NoError(t, a.conn.ReadJSON(&first))
		assert.Equal(t, FrameBound, first.Type, "attempt %d", i)

		snap := a.nextSnapshot(1)
		assert.Equal(t, "earlier", snap.Messages[0].Text)
		a.conn.Close()
	}
}

func TestWebSocket_TypingExtensionRefreshesExpiry(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	a := dialWS(t, srv, alice.Token)
	b := dialWS(t, srv, bob.Token)
	a.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: bob.UserID})
	var bound BoundFrame
	a.next(FrameBound, &bound)
	b.write(ClientFrame{Type: FrameBind, RequestID: "1", RemoteUserID: alice.UserID})
	b.next(FrameBound, &bound)

	nextTyping := func() TypingFrame {
		for {
			var f TypingFrame
			b.next(FrameTyping, &f)
			if f.Typing {
				return f
			}
		}
	}

	a.write(ClientFrame{Type: FrameTyping})
	opened := nextTyping()
	require.NotNil(t, opened.ExpiresAt)

	time.Sleep(20 * time.Millisecond)
	a.write(ClientFrame{Type: FrameTyping})
	extended := nextTyping()
	require.NotNil(t, extended.ExpiresAt)
	assert.True(t, extended.ExpiresAt.After(*opened.ExpiresAt), "second pulse moves expires_at")
}
