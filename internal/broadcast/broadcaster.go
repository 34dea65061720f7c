// ABOUTME: In-memory fan-out of per-conversation updates to callback subscribers
// ABOUTME: Every subscriber gets every update in publish order on its own goroutine

package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// backlogWarnThreshold is the queue depth at which a subscriber is reported as slow.
// Updates are never dropped; the warning is the only back-pressure signal.
const backlogWarnThreshold = 1024

// Handle is the subscription handle returned to callers of the engine.
type Handle interface {
	// ID identifies the subscription in logs.
	ID() string
	// Key is the conversation key the subscription is registered on.
	Key() string
	// Release stops delivery. It never blocks and is safe to call more than once,
	// including from inside the subscription's own callback.
	Release()
}

// Broadcaster provides in-memory pub/sub keyed by conversation key.
// Unlike a channel fan-out it never drops: each subscription owns an unbounded
// FIFO drained by a dedicated goroutine, so a slow subscriber delays only itself.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription[T] // conversationKey -> subID -> sub
	logger      *slog.Logger
	copy        func(T) T
	closed      bool
}

// New creates a broadcaster. Pass nil logger for default.
func New[T any](logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]*Subscription[T]),
		logger:      logger.With("component", "broadcaster"),
	}
}

// WithCopy makes Publish hand each subscriber its own copy of the value, made by fn.
// Call it before the first Subscribe.
func (b *Broadcaster[T]) WithCopy(fn func(T) T) *Broadcaster[T] {
	b.copy = fn
	return b
}

// Subscribe registers fn for updates published on conversationKey.
func (b *Broadcaster[T]) Subscribe(conversationKey string, fn func(T)) *Subscription[T] {
	return b.subscribe(conversationKey, fn, nil)
}

// SubscribeWith registers fn and queues initial as its first delivery. The initial
// value is queued before the subscription becomes visible to Publish, so it always
// precedes later updates.
func (b *Broadcaster[T]) SubscribeWith(conversationKey string, initial T, fn func(T)) *Subscription[T] {
	return b.subscribe(conversationKey, fn, &initial)
}

func (b *Broadcaster[T]) subscribe(conversationKey string, fn func(T), initial *T) *Subscription[T] {
	sub := &Subscription[T]{
		id:          uuid.New().String(),
		key:         conversationKey,
		broadcaster: b,
		fn:          fn,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	sub.logger = b.logger.With("conversation_key", conversationKey, "sub_id", sub.id)
	if initial != nil {
		sub.queue = append(sub.queue, *initial)
		sub.wake <- struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed = true
		close(sub.done)
		return sub
	}
	if _, ok := b.subscribers[conversationKey]; !ok {
		b.subscribers[conversationKey] = make(map[string]*Subscription[T])
	}
	b.subscribers[conversationKey][sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("subscriber added",
		"conversation_key", conversationKey,
		"sub_id", sub.id)
	return sub
}

// Publish queues value for every current subscriber of conversationKey and returns
// how many subscribers it was queued for. Publish does not wait for delivery.
// Callers that need causal ordering across publishes must serialize their calls.
func (b *Broadcaster[T]) Publish(conversationKey string, value T) int {
	b.mu.RLock()
	subs := b.subscribers[conversationKey]
	targets := make([]*Subscription[T], 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for i, sub := range targets {
		v := value
		if b.copy != nil && i > 0 {
			v = b.copy(value)
		}
		sub.enqueue(v)
	}
	return len(targets)
}

// SubscriberCount returns the number of live subscriptions on conversationKey.
func (b *Broadcaster[T]) SubscriberCount(conversationKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationKey])
}

// Close releases every subscription. Subscribe after Close returns an already
// released subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription[T]
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Release()
	}
	b.logger.Debug("broadcaster closed")
}

func (b *Broadcaster[T]) remove(conversationKey, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationKey]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, conversationKey)
	}
}

// Subscription is a registered callback with its private delivery queue.
type Subscription[T any] struct {
	id          string
	key         string
	broadcaster *Broadcaster[T]
	fn          func(T)
	logger      *slog.Logger

	mu     sync.Mutex
	queue  []T
	closed bool
	warned bool

	wake        chan struct{}
	done        chan struct{}
	releaseOnce sync.Once
}

// ID returns the subscription id.
func (s *Subscription[T]) ID() string { return s.id }

// Key returns the conversation key.
func (s *Subscription[T]) Key() string { return s.key }

// Release unregisters the subscription and discards queued updates.
func (s *Subscription[T]) Release() {
	s.releaseOnce.Do(func() {
		s.broadcaster.remove(s.key, s.id)

		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)

		s.broadcaster.logger.Debug("subscriber removed",
			"conversation_key", s.key,
			"sub_id", s.id)
	})
}

// Released reports whether Release has been called.
func (s *Subscription[T]) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription[T]) enqueue(value T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, value)
	depth := len(s.queue)
	warn := depth >= backlogWarnThreshold && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()

	if warn {
		s.logger.Warn("slow subscriber backlog", "depth", depth)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			value, ok := s.next()
			if !ok {
				break
			}
			s.deliver(value)
		}
	}
}

func (s *Subscription[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.closed || len(s.queue) == 0 {
		if len(s.queue) == 0 {
			s.warned = false
		}
		return zero, false
	}
	value := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return value, true
}

// deliver invokes the callback, containing any panic so the stream stays alive.
func (s *Subscription[T]) deliver(value T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("subscriber callback panicked, continuing", "panic", r)
		}
	}()
	s.fn(value)
}
