// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory message log and user directory with failure and latency injection

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages map[string][]*Message // keyed by conversation key, in seq order
	users    map[string]*User      // keyed by user ID
	emails   map[string]string     // email -> user ID
	userSeq  []string              // user IDs in registration order

	failNext  error
	failCount int
	delay     time.Duration
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[string][]*Message),
		users:    make(map[string]*User),
		emails:   make(map[string]string),
	}
}

// FailNext makes the next n mutating calls return err.
func (m *MockStore) FailNext(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
	m.failCount = n
}

// SetDelay makes every mutating call wait d (or until ctx is done) before running.
func (m *MockStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// injected applies the configured delay and failure. Must be called without mu held.
func (m *MockStore) injected(ctx context.Context) error {
	m.mu.Lock()
	delay := m.delay
	var err error
	if m.failCount > 0 {
		m.failCount--
		err = m.failNext
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// AppendMessage stores a copy of msg.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := m.injected(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.messages[msg.ConversationKey] {
		if existing.ID == msg.ID || existing.Seq == msg.Seq {
			return ErrDuplicateMessage
		}
	}

	// Make a copy to avoid external modification
	list := append(m.messages[msg.ConversationKey], msg.Clone())
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	m.messages[msg.ConversationKey] = list
	return nil
}

// ListMessages returns copies of the conversation's messages in seq order.
func (m *MockStore) ListMessages(ctx context.Context, conversationKey string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[conversationKey]
	out := make([]*Message, 0, len(list))
	for _, msg := range list {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// MarkMessageRead sets the read flag of a stored message.
func (m *MockStore) MarkMessageRead(ctx context.Context, conversationKey, messageID string, at time.Time) (bool, error) {
	if err := m.injected(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[conversationKey] {
		if msg.ID != messageID {
			continue
		}
		if msg.Read {
			return false, nil
		}
		readAt := at
		msg.Read = true
		msg.ReadAt = &readAt
		return true, nil
	}
	return false, ErrNotFound
}

// CreateUser stores a copy of user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	if err := m.injected(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicateUser
	}
	if _, ok := m.emails[user.Email]; ok {
		return ErrDuplicateUser
	}
	u := *user
	m.users[u.ID] = &u
	m.emails[u.Email] = u.ID
	m.userSeq = append(m.userSeq, u.ID)
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	id, ok := m.emails[email]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetUser(ctx, id)
}

// ListUsers returns users in registration order.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*User, 0, len(m.userSeq))
	for _, id := range m.userSeq {
		c := *m.users[id]
		out = append(out, &c)
	}
	return out, nil
}

// Ping fails once the store is closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("mock store closed")
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*BadgerStore)(nil)
)
