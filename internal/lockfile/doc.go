// Package lockfile provides advisory, crash-safe mutual exclusion over a
// named resource using only filesystem primitives.
//
// The protected resource is a path. Its lock is a sibling claim file named
// resource + ".lock". OS advisory locks (flock, fcntl) are deliberately not
// used: they are unreliable or unsupported on network and cloud-synced
// filesystems, which is where cooperating processes meet.
//
// # Claiming
//
// A claim document is written to a temporary file unique to the caller and
// hard-linked to the lock path. link(2) fails with EEXIST when the lock is
// held, which makes the claim atomic on POSIX and NFS alike. Filesystems
// without hard links fall back to O_CREATE|O_EXCL.
//
// # Leases
//
// Every claim records its holder, acquisition time and lease. A claim older
// than its lease is presumed abandoned by a crashed holder: a contender
// renames it to a tombstone, checks that the tombstone is the claim it
// judged stale, deletes it and claims the lock itself. A crashed holder can
// therefore block others for at most one lease.
//
// Lease expiry compares timestamps written by different hosts. Choose
// leases much longer than both the critical sections they guard and the
// expected clock skew.
package lockfile
