package counter

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no record exists for a naming key.
var ErrNotFound = errors.New("counter record not found")

// ReservationNotFoundError is returned by Commit when no pending reservation
// matches (holder, version): it was never made, was already committed, or
// was reclaimed as stale. The caller must reserve again.
type ReservationNotFoundError struct {
	NamingKey string
	HolderID  string
	Version   int64
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("no pending reservation for %s version %d held by %s",
		e.NamingKey, e.Version, e.HolderID)
}

// IsReservationNotFound returns true if the error is a ReservationNotFoundError.
// Uses errors.As to handle wrapped errors.
func IsReservationNotFound(err error) bool {
	var re *ReservationNotFoundError
	return errors.As(err, &re)
}
