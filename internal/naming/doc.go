// Package naming runs the full naming flow: reuse an existing record if the
// entity was already named, otherwise reserve a version, create the record
// in the tracking backend, commit the version and index the record.
//
// A reservation whose record was never created is simply not committed.
// It expires after its TTL and is reclaimed by the next reserve or sweep;
// its version is never handed out again.
package naming
