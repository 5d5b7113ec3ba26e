package runindex

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup key has no entry.
var ErrNotFound = errors.New("index entry not found")

// IndexConflictError reports two different records claiming one lookup
// key: two workers created two records for the same logical entity.
// It is never resolved automatically.
type IndexConflictError struct {
	LookupKey        string
	ExistingRecordID string
	RecordID         string
}

func (e *IndexConflictError) Error() string {
	return fmt.Sprintf("index conflict for %s: already mapped to %s, refusing %s",
		e.LookupKey, e.ExistingRecordID, e.RecordID)
}

// IsIndexConflict returns true if the error is an IndexConflictError.
// Uses errors.As to handle wrapped errors.
func IsIndexConflict(err error) bool {
	var ce *IndexConflictError
	return errors.As(err, &ce)
}

func asIndexConflict(err error) (*IndexConflictError, bool) {
	var ce *IndexConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}
