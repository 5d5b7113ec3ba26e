// Package record holds the persistence primitives shared by the counter
// and index stores: the schema marker carried by every persisted document,
// crash-safe atomic file replacement, and the errors that describe
// unreadable files.
//
// # Format Versioning
//
// Every persisted document starts with
//
//	{"schema": "runname/<kind>", "schema_version": N, ...}
//
// Readers accept versions up to the one they were built with. A newer
// version is reported as a SchemaVersionError: reads treat it as a miss,
// writers refuse to overwrite it so an older binary can never downgrade
// data written by a newer one.
//
// # Atomic Replacement
//
// WriteFileAtomic writes to a temporary sibling, fsyncs it and renames it
// over the target. Rename is atomic on POSIX filesystems and on the common
// network filesystems, so concurrent lock-free readers observe either the
// old or the new document, never a mix.
package record
