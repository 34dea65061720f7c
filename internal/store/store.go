// ABOUTME: Store interfaces and data types for parley-gateway persistence
// ABOUTME: Defines Message and User plus the ordered message log and user directory contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose id or email already exists
var ErrDuplicateUser = errors.New("user already exists")

// ErrDuplicateMessage is returned when a message id or (conversation, seq) pair already exists
var ErrDuplicateMessage = errors.New("message already exists")

// Message is one entry of a conversation's append-only log.
// Everything except Read/ReadAt is immutable once appended.
type Message struct {
	ID              string
	ConversationKey string
	Seq             int64 // per-conversation insertion order, starting at 1
	SenderID        string
	ReceiverID      string
	Text            string
	DisplayName     string // sender label captured at send time, never updated
	CreatedAt       time.Time
	Read            bool
	ReadAt          *time.Time
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		at := *m.ReadAt
		c.ReadAt = &at
	}
	return &c
}

// User is a directory entry.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Label returns the name shown for the user: display name, or email when unset.
func (u *User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// MessageLog is an ordered append log keyed by conversation key.
type MessageLog interface {
	// AppendMessage persists msg. The caller assigns ID, Seq and CreatedAt.
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns every message of the conversation ordered by Seq.
	ListMessages(ctx context.Context, conversationKey string) ([]*Message, error)

	// MarkMessageRead sets read=true. It reports whether the row changed; an
	// already-read message is not an error. Unknown ids return ErrNotFound.
	MarkMessageRead(ctx context.Context, conversationKey, messageID string, at time.Time) (bool, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// UserStore persists directory entries.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// ListUsers returns users in registration order.
	ListUsers(ctx context.Context) ([]*User, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	MessageLog
	UserStore
}
