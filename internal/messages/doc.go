// Package messages is the per-conversation message engine.
//
// A Store keeps one ordered message sequence per conversation key on top of a
// store.MessageLog. All mutations of a conversation (Append, MarkRead) run under
// that conversation's mutex, so Seq and CreatedAt never go backward and every
// subscriber sees snapshots in the order they were produced.
//
// Subscribers receive the full ordered snapshot on every change, starting with
// the snapshot current at subscription time:
//
//	sub, err := msgs.Subscribe(ctx, key, func(snapshot []store.Message) {
//		render(snapshot)
//	})
//	defer msgs.Release(sub)
//
// Snapshots are copies. Mutating one never affects the engine or other subscribers.
//
// Errors wrap the chaterr sentinels: ErrValidation for blank text,
// ErrInvalidArgument for ids that do not form the conversation key, ErrNotFound
// and ErrPermission for MarkRead, and ErrTransient when the backing log fails or
// exceeds WriteTimeout. A transient failure leaves the conversation unchanged.
package messages
