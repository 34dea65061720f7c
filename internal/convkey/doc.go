// Package convkey derives canonical conversation keys.
//
// A conversation is addressed by the unordered pair of its participants. The key is
// the two user ids sorted byte-wise and joined with "_":
//
//	convkey.Resolve("u2", "u1") // "u1_u2", nil
//	convkey.Resolve("u1", "u1") // "", ErrInvalidArgument
//
// Keys are never stored on their own; they index the message log and the typing
// tracker.
package convkey
