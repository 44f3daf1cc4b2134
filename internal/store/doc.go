// Package store provides durable storage for the offline outbox.
//
// The outbox holds operations that could not reach the server, keyed by op
// id and replayed in client sequence order:
//   - Store: SQLite (default)
//   - BoltStore: bbolt, for single-file embedded deployments
//
// # Critical Patterns
//
// Idempotent append
//   - op_id is the primary key and writes use ON CONFLICT(op_id) DO NOTHING
//   - op ids are content-addressed, so re-appending after a crash is harmless
//
// Logical ordering
//   - All ordering uses client_seq (logical clock), NEVER timestamps
//   - Queries include ORDER BY client_seq ASC, op_id ASC COLLATE BINARY
//
// Canonical payloads
//   - target ids, base versions and payload are stored as RFC 8785 canonical
//     JSON, so identical operations store identical bytes
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
