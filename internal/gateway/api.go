// ABOUTME: HTTP API handlers for accounts, conversation history and sending
// ABOUTME: Conversation events are streamed to HTTP clients over SSE

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/convkey"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/directory"
	"github.com/2389/parley-gateway/internal/presence"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UsersResponse is the JSON response for GET /api/users.
type UsersResponse struct {
	Users []directory.Entry `json:"users"`
}

// SendRequest is the JSON request body for POST /api/conversations/{key}/messages.
type SendRequest struct {
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// SendResponse is the JSON response for a send.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MarkReadRequest is the JSON request body for POST /api/conversations/{key}/read.
type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  any
}

// handleRegister handles POST /api/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req directory.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	user, err := g.directory.Register(r.Context(), req)
	if err != nil {
		g.writeChatError(w, err)
		return
	}
	g.respondWithToken(w, http.StatusCreated, user)
}

// handleLogin handles POST /api/login.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	user, err := g.directory.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidCredentials) {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		g.writeChatError(w, err)
		return
	}
	g.respondWithToken(w, http.StatusOK, user)
}

func (g *Gateway) respondWithToken(w http.ResponseWriter, status int, user *store.User) {
	token, expiresAt, err := g.verifier.Generate(user.ID, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("failed to generate token", "error", err, "user_id", user.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, status, AuthResponse{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.Label(),
		Token:       token,
		ExpiresAt:   expiresAt,
	})
}

// handleListUsers handles GET /api/users. The caller is left out.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	me := auth.MustFromContext(r.Context()).UserID

	entries, err := g.directory.ListUsers(r.Context(), me)
	if err != nil {
		g.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UsersResponse{Users: entries})
}

// handleConversationMessages handles GET /api/conversations/{key}/messages.
// With ?format=html each message also carries its text rendered as markdown.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	me := auth.MustFromContext(r.Context()).UserID
	key := r.PathValue("key")
	if _, ok := g.peerOf(w, key, me); !ok {
		return
	}

	snapshot, err := g.messages.Messages(r.Context(), key)
	if err != nil {
		g.writeChatError(w, err)
		return
	}

	frame := newMessagesFrame(key, snapshot)
	if r.URL.Query().Get("format") == "html" {
		for i := range frame.Messages {
			frame.Messages[i].HTML = renderMarkdown(frame.Messages[i].Text)
		}
	}
	writeJSON(w, http.StatusOK, frame)
}

// handleSendMessage handles POST /api/conversations/{key}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	key := r.PathValue("key")
	peer, ok := g.peerOf(w, key, ac.UserID)
	if !ok {
		return
	}

	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, _, release, err := g.newSession(ac, discardHandler{})
	if err != nil {
		g.writeChatError(w, err)
		return
	}
	defer release()

	if _, err := g.bind(r.Context(), sess, peer); err != nil {
		g.writeChatError(w, err)
		return
	}

	id, dup, err := g.sendDeduped(r.Context(), sess, req.ClientMessageID, req.Text)
	if err != nil {
		g.writeChatError(w, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, status, SendResponse{MessageID: id, Duplicate: dup})
}

// handleMarkRead handles POST /api/conversations/{key}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	me := auth.MustFromContext(r.Context()).UserID
	key := r.PathValue("key")
	if _, ok := g.peerOf(w, key, me); !ok {
		return
	}

	var req MarkReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.MessageID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if err := g.messages.MarkRead(r.Context(), key, req.MessageID, me); err != nil {
		g.writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversationEvents handles GET /api/conversations/{key}/events.
// The stream opens with the current snapshot and typing state and ends when
// the client disconnects or the token expires.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	key := r.PathValue("key")
	peer, ok := g.peerOf(w, key, ac.UserID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := newEventQueue(eventQueueSize)
	sess, _, release, err := g.newSession(ac, events)
	if err != nil {
		g.writeChatError(w, err)
		return
	}
	defer release()

	if _, err := g.bind(r.Context(), sess, peer); err != nil {
		g.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-events.overflow:
			g.logger.Warn("event stream fell behind, closing", "user_id", ac.UserID, "conversation_key", key)
			return
		case ev := <-events.ch:
			g.writeSSEEvent(w, ev.Event, ev.Data)
			flusher.Flush()
			if ev.Event == FrameClosed {
				return
			}
		}
	}
}

// peerOf checks that userID takes part in key and returns the other
// participant. It writes the error response itself when it returns false.
func (g *Gateway) peerOf(w http.ResponseWriter, key, userID string) (string, bool) {
	if _, _, err := convkey.Participants(key); err != nil {
		g.writeChatError(w, err)
		return "", false
	}
	peer, err := convkey.Peer(key, userID)
	if err != nil {
		g.sendJSONError(w, http.StatusForbidden, "not a participant of this conversation")
		return "", false
	}
	return peer, true
}

// newSession starts a session for the authenticated caller. Its identity
// ends when the caller's token expires. release closes the session and
// stops the identity timer.
func (g *Gateway) newSession(ac *auth.AuthContext, h session.Handler) (sess *session.Session, identity *auth.TokenIdentity, release func(), err error) {
	identity = auth.NewTokenIdentity(ac.UserID, ac.ExpiresAt)
	sess, err = session.New(ac.UserID, session.Deps{
		Messages:  g.messages,
		Presence:  g.presence,
		Identity:  identity,
		Directory: g.directory,
		Handler:   h,
		Logger:    g.logger,
		TypingTTL: g.config.Chat.TypingTTL,
	})
	if err != nil {
		identity.Stop()
		return nil, nil, nil, err
	}
	release = func() {
		sess.Close()
		identity.Stop()
	}
	return sess, identity, release, nil
}

// bind binds sess to remoteUserID after checking that the user exists.
func (g *Gateway) bind(ctx context.Context, sess *session.Session, remoteUserID string) (string, error) {
	if _, err := g.directory.Get(ctx, remoteUserID); err != nil {
		return "", err
	}
	return sess.Bind(ctx, remoteUserID)
}

// sendDeduped sends text through sess. A repeated clientMessageID from the
// same user returns the first message id without appending again.
func (g *Gateway) sendDeduped(ctx context.Context, sess *session.Session, clientMessageID, text string) (string, bool, error) {
	var cacheKey string
	if clientMessageID != "" {
		cacheKey = dedupe.Key(sess.LocalUserID(), clientMessageID)
		if id, ok := g.dedupe.Lookup(cacheKey); ok {
			g.logger.Debug("duplicate send suppressed", "user_id", sess.LocalUserID(), "client_message_id", clientMessageID)
			return id, true, nil
		}
	}

	msg, err := sess.Send(ctx, text)
	if err != nil {
		return "", false, err
	}
	if cacheKey != "" {
		g.dedupe.Remember(cacheKey, msg.ID)
	}
	return msg.ID, false, nil
}

// writeChatError maps an error from the chat packages to a JSON response.
func (g *Gateway) writeChatError(w http.ResponseWriter, err error) {
	status := chaterr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !chaterr.IsRetryable(err) {
		g.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorFrame{
		Type:      FrameError,
		Code:      chaterr.Code(err),
		Message:   err.Error(),
		Retryable: chaterr.IsRetryable(err),
	})
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// discardHandler ignores session updates. Used by one-shot REST sends.
type discardHandler struct{}

func (discardHandler) OnMessages(string, []store.Message) {}
func (discardHandler) OnTyping(string, presence.State)    {}
func (discardHandler) OnClosed(string)                    {}

// eventQueueSize bounds how far an SSE client may fall behind.
const eventQueueSize = 64

// eventQueue turns session callbacks into SSE events.
type eventQueue struct {
	ch       chan SSEEvent
	overflow chan struct{}
	once     sync.Once
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		ch:       make(chan SSEEvent, size),
		overflow: make(chan struct{}),
	}
}

func (q *eventQueue) push(ev SSEEvent) {
	select {
	case q.ch <- ev:
	default:
		q.once.Do(func() { close(q.overflow) })
	}
}

func (q *eventQueue) OnMessages(key string, snapshot []store.Message) {
	q.push(SSEEvent{Event: FrameMessages, Data: newMessagesFrame(key, snapshot)})
}

func (q *eventQueue) OnTyping(key string, st presence.State) {
	q.push(SSEEvent{Event: FrameTyping, Data: newTypingFrame(key, st)})
}

func (q *eventQueue) OnClosed(reason string) {
	q.push(SSEEvent{Event: FrameClosed, Data: ClosedFrame{Type: FrameClosed, Reason: reason}})
}
