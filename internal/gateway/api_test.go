// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives register, login, history, send, read receipts and the SSE stream

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-gateway/internal/convkey"
)

func newTestServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func register(t *testing.T, srv *httptest.Server, email, name string) AuthResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/register", "", map[string]string{
		"email":        email,
		"password":     "correct horse",
		"display_name": name,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[AuthResponse](t, resp)
}

func conversationURL(t *testing.T, srv *httptest.Server, a, b AuthResponse, suffix string) string {
	t.Helper()
	key, err := convkey.Resolve(a.UserID, b.UserID)
	require.NoError(t, err)
	return srv.URL + "/api/conversations/" + key + suffix
}

func TestRegisterAndLogin(t *testing.T) {
	_, srv := newTestServer(t)

	alice := register(t, srv, "Alice@Example.com", "Alice")
	assert.NotEmpty(t, alice.UserID)
	assert.NotEmpty(t, alice.Token)
	assert.Equal(t, "alice@example.com", alice.Email)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.True(t, alice.ExpiresAt.After(time.Now()))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/login", "", LoginRequest{Email: "alice@example.com", Password: "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[AuthResponse](t, resp)
	assert.Equal(t, alice.UserID, login.UserID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", "", LoginRequest{Email: "alice@example.com", Password: "wrong password"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegister_Rejects(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "alice@example.com", "Alice")

	tests := []struct {
		name string
		body map[string]string
	}{
		{"duplicate email", map[string]string{"email": "ALICE@example.com", "password": "correct horse"}},
		{"bad email", map[string]string{"email": "not-an-email", "password": "correct horse"}},
		{"short password", map[string]string{"email": "bob@example.com", "password": "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/register", "", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			errFrame := decodeBody[ErrorFrame](t, resp)
			assert.Equal(t, "validation", errFrame.Code)
			assert.False(t, errFrame.Retryable)
		})
	}
}

func TestListUsers(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	register(t, srv, "bob@example.com", "Bob")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/users", "", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/users", alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decodeBody[UsersResponse](t, resp)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "Bob", users.Users[0].DisplayName)
}

func TestSendAndHistory(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	resp := doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, SendRequest{Text: "hi **bob**"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decodeBody[SendResponse](t, resp)
	assert.NotEmpty(t, sent.MessageID)
	assert.False(t, sent.Duplicate)

	resp = doJSON(t, http.MethodPost, conversationURL(t, srv, bob, alice, "/messages"), bob.Token, SendRequest{Text: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, conversationURL(t, srv, bob, alice, "/messages?format=html"), bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frame := decodeBody[MessagesFrame](t, resp)
	require.Len(t, frame.Messages, 2)

	first := frame.Messages[0]
	assert.Equal(t, sent.MessageID, first.ID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, alice.UserID, first.SenderID)
	assert.Equal(t, bob.UserID, first.ReceiverID)
	assert.Equal(t, "Alice", first.DisplayName)
	assert.Contains(t, first.HTML, "<strong>bob</strong>")
	assert.Equal(t, int64(2), frame.Messages[1].Seq)
	assert.False(t, frame.Messages[1].CreatedAt.Before(first.CreatedAt))
}

func TestSend_Rejects(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")
	carol := register(t, srv, "carol@example.com", "Carol")

	resp := doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), carol.Token, SendRequest{Text: "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, conversationURL(t, srv, alice, bob, "/messages"), carol.Token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/conversations/no-delimiter/messages", alice.Token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", decodeBody[ErrorFrame](t, resp).Code)

	resp = doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, SendRequest{Text: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSend_DeduplicatesClientMessageID(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")
	url := conversationURL(t, srv, alice, bob, "/messages")

	resp := doJSON(t, http.MethodPost, url, alice.Token, SendRequest{Text: "once", ClientMessageID: "c-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[SendResponse](t, resp)

	resp = doJSON(t, http.MethodPost, url, alice.Token, SendRequest{Text: "once", ClientMessageID: "c-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeBody[SendResponse](t, resp)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)

	resp = doJSON(t, http.MethodGet, url, alice.Token, nil)
	assert.Len(t, decodeBody[MessagesFrame](t, resp).Messages, 1)
}

func TestMarkRead(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	resp := doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, SendRequest{Text: "read me"})
	sent := decodeBody[SendResponse](t, resp)

	readURL := conversationURL(t, srv, alice, bob, "/read")

	resp = doJSON(t, http.MethodPost, readURL, alice.Token, MarkReadRequest{MessageID: sent.MessageID})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "sender cannot mark own message read")

	resp = doJSON(t, http.MethodPost, readURL, bob.Token, MarkReadRequest{MessageID: "missing"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, readURL, bob.Token, MarkReadRequest{MessageID: sent.MessageID})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, readURL, bob.Token, MarkReadRequest{MessageID: sent.MessageID})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "marking twice is idempotent")

	resp = doJSON(t, http.MethodGet, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, nil)
	frame := decodeBody[MessagesFrame](t, resp)
	require.Len(t, frame.Messages, 1)
	assert.True(t, frame.Messages[0].Read)
	assert.NotNil(t, frame.Messages[0].ReadAt)
}

// readSSE returns the next event name and data from an SSE stream.
func readSSE(t *testing.T, r *bufio.Reader) (string, []byte) {
	t.Helper()
	var event string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return event, []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestConversationEvents(t *testing.T) {
	_, srv := newTestServer(t)
	alice := register(t, srv, "alice@example.com", "Alice")
	bob := register(t, srv, "bob@example.com", "Bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conversationURL(t, srv, bob, alice, "/events"), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bob.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// The stream opens with an empty snapshot and a not-typing state.
	seen := map[string]bool{}
	for !seen[FrameMessages] || !seen[FrameTyping] {
		event, _ := readSSE(t, reader)
		seen[event] = true
	}

	sendResp := doJSON(t, http.MethodPost, conversationURL(t, srv, alice, bob, "/messages"), alice.Token, SendRequest{Text: "live"})
	sendResp.Body.Close()
	require.Equal(t, http.StatusCreated, sendResp.StatusCode)

	for {
		event, data := readSSE(t, reader)
		if event != FrameMessages {
			continue
		}
		var frame MessagesFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if len(frame.Messages) == 0 {
			continue
		}
		require.Len(t, frame.Messages, 1)
		assert.Equal(t, "live", frame.Messages[0].Text)
		return
	}
}
