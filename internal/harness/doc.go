// Package harness runs YAML scenarios against the naming subsystem.
//
// A scenario is a sequence of counter and index operations executed in a
// fresh temporary root with a fake wall clock, followed by assertions on
// the resulting state. Every step is recorded in a trace that can be
// snapshot tested.
//
// # Scenario Format
//
//	name: crashed_worker
//	description: "A crashed holder's reservation is reclaimed after its TTL"
//	settings:
//	  ttl: 30s
//	steps:
//	  - op: reserve
//	    key: model-x
//	    holder: A
//	    expect:
//	      result: { version: 1 }
//	  - op: advance
//	    by: 40s
//	  - op: cleanup
//	    key: model-x
//	    expect:
//	      result: { removed: 1 }
//	  - op: commit
//	    key: model-x
//	    holder: B
//	    version: 2
//	    expect:
//	      error: reservation_not_found
//	assertions:
//	  - type: counter_state
//	    key: model-x
//	    expect: { committed_version: 3, pending: 1 }
//
// # Operations
//
//   - reserve: key, holder, optional ttl; result version
//   - commit: key, holder, version
//   - cleanup: key, or every key when omitted; result removed
//   - advance: by; result now
//   - insert: lookup_key, record_id, optional key and version
//   - find: lookup_key; result record_id
//   - reserve_concurrent: key, workers, count; each worker is a separate
//     counter with its own lock manager; result reserved, distinct, max
//
// Errors are matched by name: reservation_not_found, index_conflict,
// not_found, lock_timeout, schema_version.
//
// # Assertion Types
//
//   - counter_state: committed_version, high_water, pending,
//     pending_holders and pending_versions of a key
//   - index_entry: found, record_id, naming_key and version of a lookup key
//   - trace_count: number of steps with an op (and optionally an outcome)
package harness
