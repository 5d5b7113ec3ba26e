// Package counter hands out collision-free version numbers per naming key.
//
// Each naming key owns one JSON document (a CounterRecord) under the
// counters directory. Every mutation happens inside a lockfile critical
// section scoped to that one key, so reservations for a key are linearised
// across processes and hosts while unrelated keys never contend. Nothing is
// cached between calls: each operation re-reads the record under the lock.
//
// # Lifecycle
//
//	Reserve  -> pending reservation (version, holder, reserved_at, ttl)
//	Commit   -> reservation removed, committed_version raised
//	(crash)  -> reservation goes stale after its TTL, CleanupStale drops it
//
// # Numeric Semantics
//
// Versions start at 1 and strictly increase. They are never reused, even
// after a stale reservation is dropped: high_water remembers the largest
// version ever issued, so a holder that crashed after creating its record
// can never collide with a later one.
package counter
