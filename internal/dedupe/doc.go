// Package dedupe remembers recent sends so a retried send appends only once.
//
// Clients attach a client_message_id to every send. When a send succeeds the
// gateway records (user, client_message_id) -> message id; a retry of the same
// pair within the TTL is answered from the cache instead of appending again.
package dedupe
