// Package broadcast provides in-memory fan-out of conversation updates.
//
// Subscribers register a callback for a conversation key and receive every value
// published on that key after they subscribed, in publish order:
//
//	b := broadcast.New[[]store.Message](logger)
//	sub := b.SubscribeWith(key, current, func(msgs []store.Message) { ... })
//	b.Publish(key, next)
//	sub.Release()
//
// # Delivery
//
// Each subscription owns an unbounded queue and a goroutine that drains it, so
// delivery is asynchronous relative to Publish and a slow subscriber only delays
// itself. Nothing is dropped. A callback that panics is logged and the
// subscription continues with the next value.
//
// # Ordering
//
// Values published by one goroutine (or under one lock) reach every subscriber in
// that order. The message store and typing tracker publish while holding their
// per-conversation lock, which gives each subscriber a causally ordered stream.
package broadcast
