package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/keys"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/runindex"
	"github.com/roach88/runname/internal/tracker"
)

// ErrNamingUnavailable means every attempt lost to lock contention or name
// collisions. The whole operation can be retried later.
var ErrNamingUnavailable = errors.New("naming unavailable, retry the operation")

// Defaults used when Options leaves a field zero.
const (
	DefaultReservationTTL = 10 * time.Minute
	DefaultMaxAttempts    = 5
	DefaultRetryBackoff   = 200 * time.Millisecond
)

// Formatter builds a record name from a base name and a version.
type Formatter func(base string, version int64) string

// DefaultFormatter formats names as "<base>-v<version>".
func DefaultFormatter(base string, version int64) string {
	return fmt.Sprintf("%s-v%d", base, version)
}

// Options configures a Namer.
type Options struct {
	Counter *counter.Counter
	Tracker tracker.Tracker

	// Index records created names. Optional.
	Index *runindex.Index

	// Resolver enables reuse of already named entities. Optional.
	Resolver *runindex.Resolver

	HolderIDs      HolderIDGenerator
	Formatter      Formatter
	ReservationTTL time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	Logger         *slog.Logger
}

// Request names one entity.
type Request struct {
	BaseName string

	// NamingKey defaults to keys.NamingKey(BaseName).
	NamingKey string

	// LookupKey identifies the entity. Empty disables reuse and indexing.
	LookupKey string
}

// Result is a named record.
type Result struct {
	// Name is empty for a record reused from the index alone.
	Name      string `json:"name,omitempty"`
	RecordID  string `json:"record_id"`
	NamingKey string `json:"naming_key"`
	LookupKey string `json:"lookup_key,omitempty"`
	Version   int64  `json:"version"`

	// Reused is true when the entity already had a record.
	Reused   bool `json:"reused"`
	Attempts int  `json:"attempts"`
}

// Namer orchestrates counter, backend and index.
type Namer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Namer.
func New(opts Options) (*Namer, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("naming: counter is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("naming: tracker is required")
	}
	if opts.HolderIDs == nil {
		opts.HolderIDs = UUIDv7Generator{}
	}
	if opts.Formatter == nil {
		opts.Formatter = DefaultFormatter
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{opts: opts, logger: logger}, nil
}

// Name returns the record for req, creating it if needed.
//
// If the record was created but indexing it hit an *IndexConflictError,
// both the result and the error are returned.
func (n *Namer) Name(ctx context.Context, req Request) (*Result, error) {
	base := strings.TrimSpace(req.BaseName)
	if base == "" {
		return nil, fmt.Errorf("name: base name is required")
	}
	namingKey := req.NamingKey
	if namingKey == "" {
		namingKey = keys.NamingKey(base)
	}

	if req.LookupKey != "" && n.opts.Resolver != nil {
		res, err := n.opts.Resolver.Resolve(ctx, req.LookupKey)
		switch {
		case err == nil:
			n.logger.Info("reusing existing record", "lookup_key", req.LookupKey, "record_id", res.RecordID)
			return &Result{
				Name:      res.Name,
				RecordID:  res.RecordID,
				NamingKey: res.NamingKey,
				LookupKey: req.LookupKey,
				Version:   res.Version,
				Reused:    true,
			}, nil
		case !errors.Is(err, runindex.ErrNotFound):
			return nil, fmt.Errorf("name %s: %w", base, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, n.opts.RetryBackoff); err != nil {
				return nil, fmt.Errorf("name %s: %w", base, err)
			}
		}

		res, retry, err := n.attempt(ctx, base, namingKey, req.LookupKey)
		if !retry {
			if res != nil {
				res.Attempts = attempt
			}
			return res, err
		}
		lastErr = err
		n.logger.Warn("naming attempt failed, retrying", "naming_key", namingKey, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("name %s after %d attempts: %w: %w", base, n.opts.MaxAttempts, ErrNamingUnavailable, lastErr)
}

// attempt runs one reserve/create/commit/index pass. retry reports whether
// the failure is worth another pass.
func (n *Namer) attempt(ctx context.Context, base, namingKey, lookupKey string) (*Result, bool, error) {
	holder := n.opts.HolderIDs.Generate()
	version, err := n.opts.Counter.Reserve(ctx, namingKey, holder, n.opts.ReservationTTL)
	if lockfile.IsLockTimeout(err) {
		return nil, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("name %s: %w", base, err)
	}

	name := n.opts.Formatter(base, version)
	rec, err := n.opts.Tracker.Create(ctx, tracker.NewRecord{
		Name:      name,
		LookupKey: lookupKey,
		NamingKey: namingKey,
		Version:   version,
	})
	if errors.Is(err, tracker.ErrNameExists) {
		n.logger.Warn("name already taken, abandoning reservation", "name", name, "naming_key", namingKey, "version", version)
		return nil, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("name %s: %w", base, err)
	}

	// The record exists now. A failed commit only delays the counter;
	// the version stays behind high_water and is never reissued.
	if err := n.opts.Counter.Commit(ctx, namingKey, holder, version); err != nil {
		n.logger.Warn("commit failed after record creation", "name", name, "naming_key", namingKey,
			"version", version, "error", err)
	}

	res := &Result{
		Name:      rec.Name,
		RecordID:  rec.ID,
		NamingKey: namingKey,
		LookupKey: lookupKey,
		Version:   version,
	}
	if lookupKey == "" || n.opts.Index == nil {
		return res, false, nil
	}
	if _, err := n.opts.Index.Insert(ctx, lookupKey, rec.ID, namingKey, version); err != nil {
		if runindex.IsIndexConflict(err) {
			return res, false, err
		}
		n.logger.Warn("index insert failed", "lookup_key", lookupKey, "record_id", rec.ID, "error", err)
	}
	return res, false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
