// Package runindex maintains the persistent LookupKey -> record id index.
//
// The index is a cache over the tracking backend, never its replacement.
// If it is deleted or damaged the system stays correct, only slower:
// Resolver falls back to the backend on every miss, and Rebuild can
// repopulate the index from a backend that lists its records.
//
// # Storage
//
// Entries live in JSON Lines shard files. A key's shard is picked by the
// leading hex digits of its SHA-256, so shard locks stay independent:
//
//	index/index.jsonl          (shard prefix length 0)
//	index/shard-3f.jsonl       (shard prefix length 2)
//
// The first line of a shard is the schema header, every following line
// one entry carrying a checksum over its canonical fields.
//
// # Concurrency
//
// Insert runs inside the shard's lockfile critical section and appends
// one line. Find takes no lock: a torn or half-appended line fails its
// checksum and reads as a miss, never as an error. The next Insert into a
// damaged shard rewrites it atomically with only its valid entries.
//
// Entries are immutable once written, so positive lookups are cached in
// process.
package runindex
