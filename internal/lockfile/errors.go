package lockfile

import (
	"errors"
	"fmt"
	"time"
)

// LockTimeoutError is returned when a lock could not be acquired within the
// caller's timeout or retry budget. It is retryable: the caller should back
// off and retry the whole operation.
type LockTimeoutError struct {
	// Resource is the protected path.
	Resource string

	// Holder is the holder id found in the claim at the last attempt,
	// if it could be read.
	Holder string

	// Attempts is the number of claim attempts made.
	Attempts int

	// Waited is the time spent trying.
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock timeout on %s after %s (%d attempts, held by %s)",
			e.Resource, e.Waited.Truncate(time.Millisecond), e.Attempts, e.Holder)
	}
	return fmt.Sprintf("lock timeout on %s after %s (%d attempts)",
		e.Resource, e.Waited.Truncate(time.Millisecond), e.Attempts)
}

// IsLockTimeout returns true if the error is a LockTimeoutError.
// Uses errors.As to handle wrapped errors.
func IsLockTimeout(err error) bool {
	var le *LockTimeoutError
	return errors.As(err, &le)
}
