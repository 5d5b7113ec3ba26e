// Package tracker defines the contract of the external tracking backend
// that stores named records, and ships a SQLite reference implementation.
//
// The naming subsystem never treats this package as its own state: the
// backend is the system of record, the run index is only a cache over it.
package tracker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Resolve when no record carries the key.
	ErrNotFound = errors.New("record not found")

	// ErrNameExists is returned by Create when the name (or the
	// naming key and version pair) is already taken.
	ErrNameExists = errors.New("record name already exists")
)

// Record is a named record held by the backend.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	LookupKey string    `json:"lookup_key"`
	NamingKey string    `json:"naming_key"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord describes a record to create.
type NewRecord struct {
	Name      string
	LookupKey string
	NamingKey string
	Version   int64
}

// Resolver maps a LookupKey to the record created for it.
type Resolver interface {
	Resolve(ctx context.Context, lookupKey string) (Record, error)
}

// Tracker is the full backend contract used by the naming flow.
type Tracker interface {
	Resolver
	Create(ctx context.Context, rec NewRecord) (Record, error)
}

// Lister enumerates every record. Backends that implement it can be used
// to rebuild a lost index.
type Lister interface {
	List(ctx context.Context, fn func(Record) error) error
}
