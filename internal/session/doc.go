// Package session binds one signed-in user to one conversation at a time.
//
// A Session moves through three states:
//
//	Unbound --Bind--> Bound(key) --Close--> Closed
//	   ^                 |
//	   +------Unbind-----+
//
// Bind resolves the conversation key with the remote user, then opens a
// message subscription and a typing subscription that feed the Handler.
// Binding again tears the previous subscriptions down first, so switching
// conversations never leaves a listener behind. Send, SignalTyping and
// MarkRead require the Bound state and return chaterr.ErrIllegalState
// otherwise. Closed is terminal.
//
// The session watches its IdentityProvider. When the provider stops
// reporting the session's user (sign-out, token expiry, a different user),
// the session closes itself and tells the Handler why.
package session
