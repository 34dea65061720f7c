// Package store persists conversations and the user directory.
//
// # Architecture
//
// Two interfaces split the persistence concerns:
//
//   - MessageLog: per-conversation append log ordered by Seq, plus the read flag
//   - UserStore: registered users, looked up by id or email
//
// Store combines both. Three implementations exist:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite") or
//     github.com/mattn/go-sqlite3 ("sqlite3")
//   - BadgerStore: embedded key-value store with prefix scans per conversation
//   - MockStore: in-memory, with failure and latency injection for tests
//
// Open picks a backend from the database.driver config value.
//
// # Ordering
//
// The message log never orders by timestamp. Seq is assigned by the caller
// under the conversation's lock and is the only sort key.
//
// # Errors
//
//   - ErrNotFound: requested user or message does not exist
//   - ErrDuplicateUser: id or email already registered
//   - ErrDuplicateMessage: id or (conversation, seq) already appended
//
// All methods accept context.Context for cancellation support.
package store
