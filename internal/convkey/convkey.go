// ABOUTME: Canonical conversation addressing for two-party chats
// ABOUTME: Derives an order-independent key from two user ids by sorting and joining

package convkey

import (
	"fmt"
	"strings"

	"github.com/2389/parley-gateway/internal/chaterr"
)

// Delimiter joins the two sorted user ids. User ids containing it are rejected,
// which keeps keys collision-free across distinct pairs.
const Delimiter = "_"

// Resolve returns the conversation key for the unordered pair {a, b}.
// Resolve(a, b) == Resolve(b, a) for all valid distinct ids.
func Resolve(a, b string) (string, error) {
	if err := checkID(a); err != nil {
		return "", err
	}
	if err := checkID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: a conversation requires two distinct participants (%q)", chaterr.ErrInvalidArgument, a)
	}
	if b < a {
		a, b = b, a
	}
	return a + Delimiter + b, nil
}

// Participants splits a key produced by Resolve back into its two user ids,
// in sorted order.
func Participants(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, Delimiter)
	if !ok || a == "" || b == "" || strings.Contains(b, Delimiter) || a >= b {
		return "", "", fmt.Errorf("%w: malformed conversation key %q", chaterr.ErrInvalidArgument, key)
	}
	return a, b, nil
}

// Includes reports whether userID is one of the two participants of key.
func Includes(key, userID string) bool {
	a, b, err := Participants(key)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// Peer returns the participant of key that is not userID.
func Peer(key, userID string) (string, error) {
	a, b, err := Participants(key)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q is not a participant of %q", chaterr.ErrInvalidArgument, userID, key)
	}
}

func checkID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty user id", chaterr.ErrInvalidArgument)
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("%w: user id %q contains reserved delimiter %q", chaterr.ErrInvalidArgument, id, Delimiter)
	}
	return nil
}
