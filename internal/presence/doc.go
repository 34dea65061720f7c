// Package presence tracks the ephemeral "is typing" flag of each conversation.
//
// Each conversation has a single typing window. Pulse opens or extends it;
// the window closes when its timer fires ttl after the last pulse, or when
// Clear is called (a message was sent). Subscribers see the current state
// first, then every true/false transition.
//
// Expiry is driven by one timer per conversation. Each pulse stops the old
// timer and starts a new one tagged with a fresh generation; a timer that
// fires for an older generation does nothing. A client that disappears
// mid-typing therefore still reads as not typing within ttl.
package presence
