// ABOUTME: JSON wire format shared by the REST API, SSE stream and websocket
// ABOUTME: Client frames drive a session; server frames carry snapshots, typing and acks

package gateway

import (
	"time"

	"github.com/2389/parley-gateway/internal/presence"
	"github.com/2389/parley-gateway/internal/store"
)

// Client frame types
const (
	FrameBind     = "bind"
	FrameUnbind   = "unbind"
	FrameSend     = "send"
	FrameTyping   = "typing"
	FrameMarkRead = "mark_read"
	FrameSignOut  = "sign_out"
)

// Server frame types
const (
	FrameBound    = "bound"
	FrameUnbound  = "unbound"
	FrameMessages = "messages"
	FrameAck      = "ack"
	FrameError    = "error"
	FrameClosed   = "closed"
)

// ClientFrame is any frame sent by a websocket client. Fields not used by
// Type are ignored.
type ClientFrame struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id,omitempty"`
	RemoteUserID    string `json:"remote_user_id,omitempty"`
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
}

// BoundFrame confirms a bind.
type BoundFrame struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id,omitempty"`
	ConversationKey string `json:"conversation_key"`
	RemoteUserID    string `json:"remote_user_id"`
}

// MessagesFrame carries the full ordered snapshot of a conversation.
type MessagesFrame struct {
	Type            string        `json:"type"`
	ConversationKey string        `json:"conversation_key"`
	Messages        []MessageView `json:"messages"`
}

// TypingFrame carries a typing transition.
type TypingFrame struct {
	Type            string     `json:"type"`
	ConversationKey string     `json:"conversation_key"`
	Typing          bool       `json:"typing"`
	UserID          string     `json:"user_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// AckFrame confirms a client request.
type AckFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ErrorFrame reports a failed client request.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ClosedFrame is the last frame before the server closes the socket.
type ClosedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// MessageView is the JSON form of a stored message.
type MessageView struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	Seq             int64      `json:"seq"`
	SenderID        string     `json:"sender_id"`
	ReceiverID      string     `json:"receiver_id"`
	Text            string     `json:"text"`
	HTML            string     `json:"html,omitempty"`
	DisplayName     string     `json:"display_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
}

func newMessageView(m store.Message) MessageView {
	return MessageView{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Text:            m.Text,
		DisplayName:     m.DisplayName,
		CreatedAt:       m.CreatedAt,
		Read:            m.Read,
		ReadAt:          m.ReadAt,
	}
}

func newMessagesFrame(key string, snapshot []store.Message) MessagesFrame {
	views := make([]MessageView, len(snapshot))
	for i, m := range snapshot {
		views[i] = newMessageView(m)
	}
	return MessagesFrame{Type: FrameMessages, ConversationKey: key, Messages: views}
}

func newTypingFrame(key string, st presence.State) TypingFrame {
	f := TypingFrame{Type: FrameTyping, ConversationKey: key, Typing: st.Typing, UserID: st.UserID}
	if st.Typing {
		exp := st.ExpiresAt
		f.ExpiresAt = &exp
	}
	return f
}
