// Package harness provides conformance testing for entity configurations
// and the engine that drives them.
//
// A scenario compiles one entity file, seeds an in-memory server, runs a
// real engine through a list of steps and checks the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: offline_create_replay
//	description: "A create made offline is replayed after reconnecting"
//	entity: ../entities/users.cue
//	seed:
//	  - {id: "1", name: Ann, status: active}
//	next_id: 42
//	features:
//	  outbox: sqlite
//	steps:
//	  - network: down
//	  - dispatch: add
//	    input: {name: Zed}
//	    expect: {status: queued, error: TRANSIENT}
//	  - network: up
//	  - reconnect: true
//	    expect: {replayed: 1, online: true}
//	assertions:
//	  - {type: record, id: "42", expect: {name: Zed}}
//	  - {type: queue_length, count: 0}
//
// # Step Kinds
//
//   - dispatch: run an action with ids and input; "as" names its operation
//   - network: take the server down or bring it up
//   - offline: switch the engine to offline queueing
//   - reconnect: replay the outbox
//   - push: deliver a realtime change
//   - server: change a record on the server behind the engine's back
//   - cancel: cancel a named operation
//   - resolve: discard or force-overwrite a conflict
//   - select: replace the selection
//   - refresh: re-fetch one record
//
// A step without an expect clause must end without an error.
//
// # Assertion Types
//
//   - record, server_record: a record's version and fields (subset match)
//   - absent: a record is not visible
//   - state: a record's lifecycle state
//   - queue_length, pending, op_log: counts
//   - list, selection: ids in order
//   - online: engine connectivity
//
// # Deterministic Testing
//
// Scenarios run with a deterministic sequencer (testutil.DeterministicClock),
// sequential op ids (testutil.SequentialOpIDs) and a frozen wall clock, so
// traces and final state are identical across runs and can be compared
// against golden snapshots with RunWithGolden.
package harness
