// ABOUTME: Signed-in identity of one connection, derived from a verified token
// ABOUTME: Notifies watchers when the token expires or the user signs out

package auth

import (
	"sync"
	"time"
)

// TokenIdentity reports one user as signed in until expiresAt or SignOut.
// It satisfies the session package's IdentityProvider.
type TokenIdentity struct {
	mu        sync.Mutex
	userID    string
	expiresAt time.Time
	ended     bool
	timer     *time.Timer
	watchers  map[int]func(string, bool)
	nextID    int
}

// NewTokenIdentity starts tracking userID until expiresAt.
func NewTokenIdentity(userID string, expiresAt time.Time) *TokenIdentity {
	t := &TokenIdentity{
		userID:    userID,
		expiresAt: expiresAt,
		watchers:  make(map[int]func(string, bool)),
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(time.Until(expiresAt), t.end)
	t.mu.Unlock()
	return t
}

// CurrentUserID returns the user while the identity is live.
func (t *TokenIdentity) CurrentUserID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || !time.Now().Before(t.expiresAt) {
		return "", false
	}
	return t.userID, true
}

// ExpiresAt returns the token expiry.
func (t *TokenIdentity) ExpiresAt() time.Time {
	return t.expiresAt
}

// Watch calls fn when the identity ends. The returned stop is safe to call
// from inside fn. A watcher added after the end is called before Watch returns.
func (t *TokenIdentity) Watch(fn func(userID string, ok bool)) func() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		fn("", false)
		return func() {}
	}
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.watchers, id)
	}
}

// SignOut ends the identity now and notifies watchers. Later calls do nothing.
func (t *TokenIdentity) SignOut() {
	t.end()
}

// Stop releases the expiry timer without notifying anyone.
func (t *TokenIdentity) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
	t.watchers = make(map[int]func(string, bool))
}

func (t *TokenIdentity) end() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.timer.Stop()
	fns := make([]func(string, bool), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn("", false)
	}
}
