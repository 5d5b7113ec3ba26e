package runindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/tracker"
)

// Resolver answers "was this entity already named?" from the index first
// and the tracking backend second.
//
// Concurrent lookups of one key inside a process share a single backend
// call.
type Resolver struct {
	index    *Index
	backend  tracker.Resolver
	backfill bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	group    singleflight.Group
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Backfill inserts backend hits into the index.
	Backfill bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Resolution is a successful lookup.
type Resolution struct {
	RecordID  string
	NamingKey string
	Version   int64

	// Name is only known when the answer came from the backend.
	Name string

	// FromIndex is false when the answer came from the backend.
	FromIndex bool
}

// NewResolver creates a Resolver. backend may be nil, in which case only
// the index is consulted.
func NewResolver(ix *Index, backend tracker.Resolver, opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = ix.logger
	}
	m := opts.Metrics
	if m == nil {
		m = ix.metrics
	}
	return &Resolver{
		index:    ix,
		backend:  backend,
		backfill: opts.Backfill,
		logger:   logger,
		metrics:  m,
	}
}

// Resolve returns the record for lookupKey, or ErrNotFound.
//
// When backfilling finds a different record already indexed, the
// *IndexConflictError is returned instead of either record.
func (r *Resolver) Resolve(ctx context.Context, lookupKey string) (*Resolution, error) {
	e, err := r.index.Find(lookupKey)
	if err == nil {
		return &Resolution{RecordID: e.RecordID, NamingKey: e.NamingKey, Version: e.Version, FromIndex: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("index read failed, falling back to backend", "lookup_key", lookupKey, "error", err)
	}
	if r.backend == nil {
		return nil, ErrNotFound
	}

	v, err, _ := r.group.Do(lookupKey, func() (any, error) {
		return r.fromBackend(ctx, lookupKey)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Resolution)
	return &res, nil
}

func (r *Resolver) fromBackend(ctx context.Context, lookupKey string) (*Resolution, error) {
	rec, err := r.backend.Resolve(ctx, lookupKey)
	if errors.Is(err, tracker.ErrNotFound) {
		r.metrics.BackendLookups.WithLabelValues(metrics.LookupMiss).Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		r.metrics.BackendLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("backend resolve %s: %w", lookupKey, err)
	}
	r.metrics.BackendLookups.WithLabelValues(metrics.LookupHit).Inc()

	if r.backfill {
		_, err := r.index.Insert(ctx, lookupKey, rec.ID, rec.NamingKey, rec.Version)
		switch {
		case IsIndexConflict(err):
			return nil, err
		case err != nil:
			r.logger.Warn("index backfill failed", "lookup_key", lookupKey, "record_id", rec.ID, "error", err)
		}
	}
	return &Resolution{RecordID: rec.ID, Name: rec.Name, NamingKey: rec.NamingKey, Version: rec.Version}, nil
}
