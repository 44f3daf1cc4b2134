// Package engine implements the entity orchestrator: the component that binds
// one EntityConfig to a state.Store, a gateway.Gateway and the action
// dispatcher.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every state transaction and every subscriber notification happens on the
// Run goroutine. Callers never touch the store directly; their requests are
// shipped to the loop as command events. Gateway calls run on their own
// goroutines and suspend only at the network boundary: their results come
// back as completion events and are reconciled against the pending
// operation with the same op id, whatever order they arrive in.
//
// Event Processing Flow:
//  1. A caller dispatches an action; the command runs on the loop
//  2. The operation is stamped with the next client sequence number and
//     applied optimistically (operation-log order = dispatch order)
//  3. The gateway call is issued, or the operation waits behind an earlier
//     one on the same record, or it is queued while offline
//  4. The completion acks, rolls back, queues or routes to conflict review
//  5. Waiting operations and buffered realtime pushes are released
//
// Logical Clock:
// Operations are ordered by the Sequencer. Wall-clock time is only a
// SubmittedAt stamp and never orders anything.
//
// Idempotency:
// Op ids are content-addressed and double as the gateway idempotency key,
// so replaying a queued operation that the server already applied returns
// the original result instead of applying it twice.
package engine
