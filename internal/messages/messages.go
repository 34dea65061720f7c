// ABOUTME: Conversation message engine: ordered append, read receipts and snapshot fan-out
// ABOUTME: Serializes writes per conversation key and persists them through a store.MessageLog

package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/broadcast"
	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/convkey"
	"github.com/2389/parley-gateway/internal/store"
)

// DefaultWriteTimeout bounds every call into the message log.
const DefaultWriteTimeout = 5 * time.Second

// Options configures a Store. Zero values select defaults.
type Options struct {
	Logger       *slog.Logger
	Clock        func() time.Time
	WriteTimeout time.Duration
}

// Subscription is the handle returned by Subscribe.
type Subscription = broadcast.Subscription[[]store.Message]

// Store is the message engine. It is safe for concurrent use.
type Store struct {
	log          store.MessageLog
	feed         *broadcast.Broadcaster[[]store.Message]
	logger       *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
}

// conversation is the cached state of one conversation key.
type conversation struct {
	mu       sync.Mutex
	loaded   bool
	stale    bool // a write failed; the log may hold rows the cache lacks
	messages []*store.Message // seq order

	// Guarded by Store.mu.
	refs     int
	lastUsed time.Time
}

// New creates a Store backed by log.
func New(log store.MessageLog, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Store{
		log:          log,
		feed:         broadcast.New[[]store.Message](logger).WithCopy(cloneSnapshot),
		logger:       logger.With("component", "messages"),
		now:          now,
		writeTimeout: timeout,
		convs:        make(map[string]*conversation),
	}
}

// conversation returns the cached entry for key, creating it on first use.
// The entry is pinned until release.
func (s *Store) conversation(key string) (*conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: message store closed", chaterr.ErrIllegalState)
	}
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}
	c.refs++
	return c, nil
}

func (s *Store) release(c *conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.refs--
	c.lastUsed = s.now()
}

// unlock undoes lock.
func (s *Store) unlock(c *conversation) {
	c.mu.Unlock()
	s.release(c)
}

// lock validates key and returns its conversation locked and loaded.
// The caller must call unlock.
func (s *Store) lock(ctx context.Context, key string) (*conversation, error) {
	if _, _, err := convkey.Participants(key); err != nil {
		return nil, err
	}
	c, err := s.conversation(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := s.loadLocked(ctx, key, c); err != nil {
		s.unlock(c)
		return nil, err
	}
	return c, nil
}

// loadLocked reads the conversation from the log the first time it is touched.
// Must be called with c.mu held.
func (s *Store) loadLocked(ctx context.Context, key string, c *conversation) error {
	if c.loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	list, err := s.log.ListMessages(ctx, key)
	if err != nil {
		s.logger.Error("loading conversation failed", "conversation_key", key, "error", err)
		return fmt.Errorf("%w: loading conversation: %w", chaterr.ErrTransient, err)
	}
	changed := c.stale && !sameMessages(c.messages, list)
	c.messages = list
	c.loaded = true
	c.stale = false

	s.logger.Debug("conversation loaded", "conversation_key", key, "count", len(list))
	if changed {
		// A write reported failure after the log committed it.
		n := s.feed.Publish(key, snapshotLocked(c))
		s.logger.Info("conversation resynced from log",
			"conversation_key", key,
			"count", len(list),
			"subscribers", n)
	}
	return nil
}

// invalidateLocked drops the cache after a failed write so the next
// operation reads the log again. Must be called with c.mu held.
func invalidateLocked(c *conversation) {
	c.loaded = false
	c.stale = true
}

func sameMessages(a, b []*store.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Read != b[i].Read {
			return false
		}
	}
	return true
}

// snapshotLocked copies the conversation for delivery. Must be called with c.mu held.
func snapshotLocked(c *conversation) []store.Message {
	out := make([]store.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m.Clone()
	}
	return out
}

func cloneSnapshot(in []store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

// Append adds a message from senderID to receiverID. displayName is stored as
// given and never updated afterwards. The returned message is a copy.
func (s *Store) Append(ctx context.Context, key, senderID, receiverID, text, displayName string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is empty", chaterr.ErrValidation)
	}
	expected, err := convkey.Resolve(senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if expected != key {
		return nil, fmt.Errorf("%w: %s and %s are not the participants of %q",
			chaterr.ErrInvalidArgument, senderID, receiverID, key)
	}

	c, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.unlock(c)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: generating message id: %w", chaterr.ErrTransient, err)
	}

	msg := &store.Message{
		ID:              id.String(),
		ConversationKey: key,
		Seq:             1,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Text:            text,
		DisplayName:     displayName,
		CreatedAt:       s.now().UTC(),
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		msg.Seq = last.Seq + 1
		if last.CreatedAt.After(msg.CreatedAt) {
			msg.CreatedAt = last.CreatedAt
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.log.AppendMessage(wctx, msg); err != nil {
		invalidateLocked(c)
		s.logger.Error("appending message failed",
			"conversation_key", key,
			"seq", msg.Seq,
			"error", err)
		return nil, fmt.Errorf("%w: appending message: %w", chaterr.ErrTransient, err)
	}

	c.messages = append(c.messages, msg)
	n := s.feed.Publish(key, snapshotLocked(c))

	s.logger.Debug("message appended",
		"conversation_key", key,
		"message_id", msg.ID,
		"seq", msg.Seq,
		"subscribers", n)
	return msg.Clone(), nil
}

// MarkRead marks messageID read on behalf of requesterID, who must be its receiver.
// Marking an already read message is a no-op and notifies nobody.
func (s *Store) MarkRead(ctx context.Context, key, messageID, requesterID string) error {
	c, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer s.unlock(c)

	var msg *store.Message
	for _, m := range c.messages {
		if m.ID == messageID {
			msg = m
			break
		}
	}
	if msg == nil {
		return fmt.Errorf("%w: message %q in %q", chaterr.ErrNotFound, messageID, key)
	}
	if requesterID == msg.SenderID {
		return fmt.Errorf("%w: sender cannot mark their own message read", chaterr.ErrPermission)
	}
	if requesterID != msg.ReceiverID {
		return fmt.Errorf("%w: only the receiver can mark a message read", chaterr.ErrPermission)
	}
	if msg.Read {
		return nil
	}

	at := s.now().UTC()
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if _, err := s.log.MarkMessageRead(wctx, key, messageID, at); err != nil {
		invalidateLocked(c)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: message %q in %q", chaterr.ErrNotFound, messageID, key)
		}
		s.logger.Error("marking message read failed",
			"conversation_key", key,
			"message_id", messageID,
			"error", err)
		return fmt.Errorf("%w: marking message read: %w", chaterr.ErrTransient, err)
	}

	msg.Read = true
	msg.ReadAt = &at
	s.feed.Publish(key, snapshotLocked(c))

	s.logger.Debug("message marked read", "conversation_key", key, "message_id", messageID)
	return nil
}

// Messages returns the ordered history of the conversation.
func (s *Store) Messages(ctx context.Context, key string) ([]store.Message, error) {
	c, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.unlock(c)
	return snapshotLocked(c), nil
}

// Subscribe registers fn for the conversation. fn first receives the current
// snapshot, then a new snapshot after every change. fn runs on its own goroutine.
func (s *Store) Subscribe(ctx context.Context, key string, fn func([]store.Message)) (*Subscription, error) {
	c, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer s.unlock(c)

	sub := s.feed.SubscribeWith(key, snapshotLocked(c), fn)
	s.logger.Debug("subscribed", "conversation_key", key, "sub_id", sub.ID())
	return sub, nil
}

// Release stops delivery to sub. It never blocks.
func (s *Store) Release(sub broadcast.Handle) {
	if sub == nil {
		return
	}
	sub.Release()
}

// Sweep drops cached conversations that nobody subscribes to and nobody has
// touched for idle. A dropped conversation is read from the log again on its
// next use. It returns how many were dropped.
func (s *Store) Sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, c := range s.convs {
		if c.refs > 0 || c.lastUsed.After(cutoff) || s.feed.SubscriberCount(key) > 0 {
			continue
		}
		delete(s.convs, key)
		dropped++
	}
	if dropped > 0 {
		s.logger.Debug("idle conversations dropped", "count", dropped, "cached", len(s.convs))
	}
	return dropped
}

// Cached reports how many conversations are held in memory.
func (s *Store) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// SubscriberCount reports the live subscriptions on key.
func (s *Store) SubscriberCount(key string) int {
	return s.feed.SubscriberCount(key)
}

// Close releases every subscription. Later calls fail with ErrIllegalState.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
}
