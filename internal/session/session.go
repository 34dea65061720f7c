// ABOUTME: Conversation session state machine over the message engine and typing tracker
// ABOUTME: Owns subscription teardown on rebind and force-closes when the identity goes away

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-gateway/internal/chaterr"
	"github.com/2389/parley-gateway/internal/convkey"
	"github.com/2389/parley-gateway/internal/messages"
	"github.com/2389/parley-gateway/internal/presence"
	"github.com/2389/parley-gateway/internal/store"
)

// State is the lifecycle state of a Session.
type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reasons passed to Handler.OnClosed.
const (
	ReasonClosed          = "closed"
	ReasonSignedOut       = "signed_out"
	ReasonIdentityChanged = "identity_changed"
)

// IdentityProvider reports who is signed in.
type IdentityProvider interface {
	// CurrentUserID returns the signed-in user, or false when nobody is.
	CurrentUserID() (string, bool)
	// Watch calls fn on every identity change until stop is called.
	Watch(fn func(userID string, ok bool)) (stop func())
}

// Directory supplies the sender label captured on each message.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Handler receives updates for the bound conversation. Calls arrive on
// delivery goroutines, never while the session's lock is held.
type Handler interface {
	OnMessages(conversationKey string, snapshot []store.Message)
	OnTyping(conversationKey string, state presence.State)
	OnClosed(reason string)
}

// Deps are the collaborators a Session is built from.
type Deps struct {
	Messages  *messages.Store
	Presence  *presence.Tracker
	Identity  IdentityProvider // optional
	Directory Directory        // optional; display names are left empty without it
	Handler   Handler
	Logger    *slog.Logger
	TypingTTL time.Duration // 0 uses the tracker default
}

// Session is one user's view of one conversation at a time.
type Session struct {
	local string
	deps  Deps

	logger *slog.Logger

	mu        sync.Mutex
	state     State
	key       string
	remote    string
	gen       uint64 // bumped on every bind, unbind and close
	msgSub    *messages.Subscription
	typingSub *presence.Subscription
	stopWatch func()
}

// New creates an Unbound session for localUserID.
func New(localUserID string, deps Deps) (*Session, error) {
	if localUserID == "" {
		return nil, fmt.Errorf("%w: empty local user id", chaterr.ErrInvalidArgument)
	}
	if deps.Messages == nil || deps.Presence == nil || deps.Handler == nil {
		return nil, fmt.Errorf("%w: session requires messages, presence and a handler", chaterr.ErrInvalidArgument)
	}
	if deps.Identity != nil {
		current, ok := deps.Identity.CurrentUserID()
		if !ok || current != localUserID {
			return nil, fmt.Errorf("%w: %s is not signed in", chaterr.ErrPermission, localUserID)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		local:  localUserID,
		deps:   deps,
		logger: logger.With("component", "session", "user_id", localUserID),
		state:  Unbound,
	}

	if deps.Identity != nil {
		stop := deps.Identity.Watch(s.onIdentity)
		s.mu.Lock()
		closed := s.state == Closed
		if !closed {
			s.stopWatch = stop
		}
		s.mu.Unlock()
		if closed {
			stop()
			return nil, fmt.Errorf("%w: %s signed out", chaterr.ErrPermission, localUserID)
		}

		// The identity may have ended between the check above and Watch.
		if current, ok := deps.Identity.CurrentUserID(); !ok || current != localUserID {
			s.onIdentity(current, ok)
			return nil, fmt.Errorf("%w: %s is not signed in", chaterr.ErrPermission, localUserID)
		}
	}
	return s, nil
}

// LocalUserID returns the user the session acts for.
func (s *Session) LocalUserID() string { return s.local }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationKey returns the bound key, or false when not Bound.
func (s *Session) ConversationKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.state == Bound
}

// Bind selects remoteUserID as the conversation partner. Any previous binding is
// released first; on failure the session is left Unbound.
func (s *Session) Bind(ctx context.Context, remoteUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return "", fmt.Errorf("%w: session is closed", chaterr.ErrIllegalState)
	}
	s.unbindLocked()

	key, err := convkey.Resolve(s.local, remoteUserID)
	if err != nil {
		return "", err
	}

	gen := s.gen
	msgSub, err := s.deps.Messages.Subscribe(ctx, key, func(snapshot []store.Message) {
		if s.current(gen) {
			s.deps.Handler.OnMessages(key, snapshot)
		}
	})
	if err != nil {
		return "", err
	}
	typingSub := s.deps.Presence.Subscribe(key, func(state presence.State) {
		if s.current(gen) {
			s.deps.Handler.OnTyping(key, state)
		}
	})

	s.state = Bound
	s.key = key
	s.remote = remoteUserID
	s.msgSub = msgSub
	s.typingSub = typingSub

	s.logger.Debug("session bound", "conversation_key", key, "remote_user_id", remoteUserID)
	return key, nil
}

// Unbind returns a Bound session to Unbound. It is a no-op when already Unbound.
func (s *Session) Unbind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return fmt.Errorf("%w: session is closed", chaterr.ErrIllegalState)
	}
	s.unbindLocked()
	return nil
}

// unbindLocked releases the current subscriptions. Must be called with mu held.
func (s *Session) unbindLocked() {
	s.gen++
	if s.msgSub != nil {
		s.deps.Messages.Release(s.msgSub)
		s.msgSub = nil
	}
	if s.typingSub != nil {
		s.deps.Presence.Release(s.typingSub)
		s.typingSub = nil
	}
	if s.state == Bound {
		s.logger.Debug("session unbound", "conversation_key", s.key)
		s.state = Unbound
	}
	s.key = ""
	s.remote = ""
}

// current reports whether gen is still the live binding.
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == Bound
}

// bound returns the binding, or ErrIllegalState.
func (s *Session) bound() (key, remote string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Bound {
		return "", "", fmt.Errorf("%w: session is %s", chaterr.ErrIllegalState, s.state)
	}
	return s.key, s.remote, nil
}

// Send appends text to the bound conversation and ends the typing window.
// On failure neither the conversation nor the typing state changes.
func (s *Session) Send(ctx context.Context, text string) (*store.Message, error) {
	key, remote, err := s.bound()
	if err != nil {
		return nil, err
	}

	msg, err := s.deps.Messages.Append(ctx, key, s.local, remote, text, s.displayName(ctx))
	if err != nil {
		return nil, err
	}
	s.deps.Presence.Clear(key)
	return msg, nil
}

// displayName snapshots the local user's label for a new message.
func (s *Session) displayName(ctx context.Context) string {
	if s.deps.Directory == nil {
		return ""
	}
	name, err := s.deps.Directory.DisplayName(ctx, s.local)
	if err != nil {
		s.logger.Warn("display name lookup failed, sending without one", "error", err)
		return ""
	}
	return name
}

// SignalTyping opens or extends the typing window of the bound conversation.
func (s *Session) SignalTyping() error {
	key, _, err := s.bound()
	if err != nil {
		return err
	}
	s.deps.Presence.Pulse(key, s.local, s.deps.TypingTTL)
	return nil
}

// MarkRead marks messageID read with the local user as requester.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	key, _, err := s.bound()
	if err != nil {
		return err
	}
	return s.deps.Messages.MarkRead(ctx, key, messageID, s.local)
}

// Close releases everything the session holds. Closing twice is a no-op.
func (s *Session) Close() {
	s.closeWithReason(ReasonClosed)
}

func (s *Session) closeWithReason(reason string) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.unbindLocked()
	s.state = Closed
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.logger.Debug("session closed", "reason", reason)
	s.deps.Handler.OnClosed(reason)
}

// onIdentity force-closes the session when its user is no longer signed in.
func (s *Session) onIdentity(userID string, ok bool) {
	switch {
	case !ok:
		s.logger.Info("identity lost, closing session")
		s.closeWithReason(ReasonSignedOut)
	case userID != s.local:
		s.logger.Info("identity changed, closing session", "new_user_id", userID)
		s.closeWithReason(ReasonIdentityChanged)
	}
}
