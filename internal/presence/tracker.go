// ABOUTME: Typing presence tracker with a cancel-and-reschedule expiry per conversation
// ABOUTME: Publishes typing transitions to subscribers through the broadcast package

package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/broadcast"
)

// DefaultTTL is the typing window used when Pulse is given no ttl.
const DefaultTTL = 2 * time.Second

// State is the typing state of one conversation.
type State struct {
	ConversationKey string
	Typing          bool
	UserID          string    // last participant that pulsed
	ExpiresAt       time.Time // zero when not typing
}

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Logger     *slog.Logger
	Clock      func() time.Time
	DefaultTTL time.Duration
}

// Subscription is the handle returned by Subscribe.
type Subscription = broadcast.Subscription[State]

// Tracker holds the typing state of every conversation. It is safe for concurrent use.
type Tracker struct {
	feed       *broadcast.Broadcaster[State]
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu    sync.Mutex
	state State
	timer *time.Timer
	gen   uint64

	refs int // guarded by Tracker.mu
}

// New creates a Tracker.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		feed:       broadcast.New[State](logger),
		logger:     logger.With("component", "presence"),
		now:        now,
		defaultTTL: ttl,
		entries:    make(map[string]*entry),
	}
}

// entry returns the state holder for key pinned until done, or nil once the
// tracker is closed.
func (t *Tracker) entry(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	e, ok := t.entries[key]
	if !ok {
		e = &entry{state: State{ConversationKey: key}}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Tracker) done(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
}

// Pulse marks userID as typing in key until ttl from now. A pulse inside an open
// window moves its expiry; it never adds a second timer. Every pulse publishes
// the state so subscribers see the moved expiry. ttl <= 0 uses the default.
func (t *Tracker) Pulse(key, userID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	e := t.entry(key)
	if e == nil {
		return
	}
	defer t.done(e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(ttl, func() { t.expire(key, e, gen) })

	wasTyping := e.state.Typing
	e.state.Typing = true
	e.state.UserID = userID
	e.state.ExpiresAt = t.now().Add(ttl)

	t.feed.Publish(key, e.state)
	if !wasTyping {
		t.logger.Debug("typing started", "conversation_key", key, "user_id", userID)
	}
}

// expire closes the window opened by generation gen, unless a later pulse or
// clear superseded it.
func (t *Tracker) expire(key string, e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen {
		return
	}
	e.timer = nil
	if t.stopLocked(key, e) {
		t.logger.Debug("typing expired", "conversation_key", key)
	}
}

// Clear ends the typing window of key immediately.
func (t *Tracker) Clear(key string) {
	e := t.entry(key)
	if e == nil {
		return
	}
	defer t.done(e)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if t.stopLocked(key, e) {
		t.logger.Debug("typing cleared", "conversation_key", key)
	}
}

// stopLocked flips the state to not typing and publishes if it was typing.
// Must be called with e.mu held.
func (t *Tracker) stopLocked(key string, e *entry) bool {
	if !e.state.Typing {
		return false
	}
	e.state.Typing = false
	e.state.ExpiresAt = time.Time{}
	t.feed.Publish(key, e.state)
	return true
}

// State returns the current typing state of key.
func (t *Tracker) State(key string) State {
	e := t.entry(key)
	if e == nil {
		return State{ConversationKey: key}
	}
	defer t.done(e)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn for key. fn receives the current state first, then
// every transition and every expiry extension.
func (t *Tracker) Subscribe(key string, fn func(State)) *Subscription {
	e := t.entry(key)
	if e == nil {
		// Closed tracker: the broadcaster hands back a released subscription.
		return t.feed.Subscribe(key, fn)
	}
	defer t.done(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	return t.feed.SubscribeWith(key, e.state, fn)
}

// Release stops delivery to sub. It never blocks.
func (t *Tracker) Release(sub broadcast.Handle) {
	if sub == nil {
		return
	}
	sub.Release()
}

// Sweep drops conversations that are not typing and have no subscribers.
// It returns how many were dropped.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key, e := range t.entries {
		if e.refs > 0 || t.feed.SubscriberCount(key) > 0 {
			continue
		}
		e.mu.Lock()
		idle := !e.state.Typing && e.timer == nil
		e.mu.Unlock()
		if !idle {
			continue
		}
		delete(t.entries, key)
		dropped++
	}
	if dropped > 0 {
		t.logger.Debug("idle typing entries dropped", "count", dropped, "tracked", len(t.entries))
	}
	return dropped
}

// Tracked reports how many conversations hold typing state.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// SubscriberCount reports the live subscriptions on key.
func (t *Tracker) SubscriberCount(key string) int {
	return t.feed.SubscriberCount(key)
}

// Close stops every pending expiry and releases all subscriptions.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
		e.mu.Unlock()
	}
	t.feed.Close()
}
