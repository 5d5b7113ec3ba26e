package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/keys"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/record"
)

// DefaultSweepConcurrency bounds how many keys Sweep cleans at once.
const DefaultSweepConcurrency = 4

// Options configures a Counter.
type Options struct {
	// Dir holds one record file per naming key.
	Dir string

	// Locks serialises mutations. Required.
	Locks *lockfile.Manager

	// LockOptions is passed to every Acquire.
	LockOptions lockfile.AcquireOptions

	// SweepConcurrency bounds parallel cleanups in Sweep.
	SweepConcurrency int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Counter reserves and commits version numbers.
type Counter struct {
	dir         string
	locks       *lockfile.Manager
	lockOpts    lockfile.AcquireOptions
	concurrency int
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates a Counter over opts.Dir.
func New(opts Options) (*Counter, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("counter: directory is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("counter: lock manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.SweepConcurrency
	if concurrency <= 0 {
		concurrency = DefaultSweepConcurrency
	}
	return &Counter{
		dir:         opts.Dir,
		locks:       opts.Locks,
		lockOpts:    opts.LockOptions,
		concurrency: concurrency,
		clock:       clock.Or(opts.Clock),
		logger:      logger,
		metrics:     metrics.Or(opts.Metrics),
	}, nil
}

// Path returns the record file of namingKey.
func (c *Counter) Path(namingKey string) string {
	return filepath.Join(c.dir, keys.FileStem(namingKey)+".json")
}

// Reserve claims the next version of namingKey for holderID.
//
// Stale reservations are purged first. If holderID already holds a live
// reservation its version is returned again, so a caller unsure whether an
// earlier Reserve went through can simply repeat it.
func (c *Counter) Reserve(ctx context.Context, namingKey, holderID string, ttl time.Duration) (int64, error) {
	if err := checkArgs(namingKey, holderID); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("reserve %s: ttl must be positive, got %s", namingKey, ttl)
	}

	var version int64
	path := c.Path(namingKey)
	err := c.locks.WithLock(ctx, path, c.lockOpts, func() error {
		rec, _, err := c.loadForWrite(path, namingKey)
		if err != nil {
			return err
		}
		now := c.clock.Now()
		c.noteRemoved(namingKey, rec.removeStale(now))

		if existing, ok := rec.liveFor(holderID, now); ok {
			version = existing.Version
			c.logger.Debug("reservation repeated", "naming_key", namingKey, "holder", holderID, "version", version)
			return c.save(path, rec)
		}

		version = rec.nextVersion()
		rec.Pending = append(rec.Pending, Reservation{
			Version:    version,
			HolderID:   holderID,
			ReservedAt: now,
			TTLSeconds: ttlSeconds(ttl),
		})
		rec.HighWater = version
		return c.save(path, rec)
	})
	if err != nil {
		return 0, fmt.Errorf("reserve %s: %w", namingKey, err)
	}

	c.metrics.Reservations.Inc()
	c.logger.Info("version reserved", "naming_key", namingKey, "holder", holderID, "version", version)
	return version, nil
}

// Commit confirms the reservation (holderID, version).
//
// A reservation that is present but past its TTL still commits: its holder
// evidently did not crash. A missing reservation yields a
// *ReservationNotFoundError, including on the second of two identical
// commits.
func (c *Counter) Commit(ctx context.Context, namingKey, holderID string, version int64) error {
	if err := checkArgs(namingKey, holderID); err != nil {
		return err
	}

	path := c.Path(namingKey)
	err := c.locks.WithLock(ctx, path, c.lockOpts, func() error {
		rec, repaired, err := c.loadForWrite(path, namingKey)
		if err != nil {
			return err
		}
		i := rec.findPending(holderID, version)
		if i < 0 {
			if repaired {
				if err := c.save(path, rec); err != nil {
					return err
				}
			}
			return &ReservationNotFoundError{NamingKey: namingKey, HolderID: holderID, Version: version}
		}
		rec.Pending = append(rec.Pending[:i], rec.Pending[i+1:]...)
		rec.CommittedVersion = max(rec.CommittedVersion, version)
		return c.save(path, rec)
	})
	if err != nil {
		if IsReservationNotFound(err) {
			c.metrics.Commits.WithLabelValues("not_found").Inc()
		} else {
			c.metrics.Commits.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("commit %s: %w", namingKey, err)
	}

	c.metrics.Commits.WithLabelValues("ok").Inc()
	c.logger.Info("version committed", "naming_key", namingKey, "holder", holderID, "version", version)
	return nil
}

// CleanupStale removes every stale reservation of namingKey and returns how
// many were removed. A key with no record is left without one.
func (c *Counter) CleanupStale(ctx context.Context, namingKey string) (int, error) {
	if namingKey == "" {
		return 0, fmt.Errorf("cleanup: naming key is required")
	}

	var removed int
	path := c.Path(namingKey)
	err := c.locks.WithLock(ctx, path, c.lockOpts, func() error {
		rec, err := readRecord(path, namingKey)
		if isNotExist(err) {
			return nil
		}
		repaired := false
		if record.IsCorrupt(err) {
			if rec, err = c.repair(path, namingKey, err); err != nil {
				return err
			}
			repaired = true
		} else if err != nil {
			return err
		}

		stale := rec.removeStale(c.clock.Now())
		removed = len(stale)
		c.noteRemoved(namingKey, stale)
		if removed == 0 && !repaired {
			return nil
		}
		return c.save(path, rec)
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", namingKey, err)
	}
	return removed, nil
}

// Get reads the record of namingKey without locking. It may observe a
// record that is about to change; it never observes a partial one.
// A missing record yields ErrNotFound. So does a corrupt one, since reads
// treat damage as absence; the returned error also wraps the
// *record.CorruptRecordError. The file is left for the next write to repair.
func (c *Counter) Get(namingKey string) (*Record, error) {
	rec, err := readRecord(c.Path(namingKey), namingKey)
	if isNotExist(err) {
		return nil, ErrNotFound
	}
	if record.IsCorrupt(err) {
		c.logger.Warn("corrupt counter record read as missing", "naming_key", namingKey, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// loadForWrite returns the current record, a fresh one if none exists, or a
// fresh one replacing a corrupt file. repaired reports the last case.
func (c *Counter) loadForWrite(path, namingKey string) (*Record, bool, error) {
	rec, err := readRecord(path, namingKey)
	switch {
	case err == nil:
		return rec, false, nil
	case isNotExist(err):
		return newRecord(namingKey), false, nil
	case record.IsCorrupt(err):
		rec, err := c.repair(path, namingKey, err)
		return rec, err == nil, err
	default:
		return nil, false, err
	}
}

// repair moves a corrupt record aside and starts a fresh one. Whatever
// version numbers can still be decoded from the damaged file become the
// floor of the new record, so versions issued before the damage are not
// handed out again.
func (c *Counter) repair(path, namingKey string, cause error) (*Record, error) {
	data, _ := os.ReadFile(path)
	committed, highWater := salvage(data)

	dest, err := record.Quarantine(path, c.clock.Now())
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	c.metrics.CorruptQuarantined.Inc()
	c.logger.Warn("corrupt counter record quarantined",
		"naming_key", namingKey, "moved_to", dest, "high_water", highWater, "error", cause)

	rec := newRecord(namingKey)
	rec.CommittedVersion = committed
	rec.HighWater = highWater
	return rec, nil
}

func (c *Counter) save(path string, rec *Record) error {
	rec.UpdatedAt = c.clock.Now()
	data, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return record.WriteFileAtomic(path, data, 0o644)
}

func (c *Counter) noteRemoved(namingKey string, removed []Reservation) {
	for _, r := range removed {
		c.metrics.StaleRemoved.Inc()
		c.logger.Info("stale reservation removed",
			"naming_key", namingKey, "holder", r.HolderID, "version", r.Version, "reserved_at", r.ReservedAt)
	}
}

func checkArgs(namingKey, holderID string) error {
	if namingKey == "" {
		return fmt.Errorf("naming key is required")
	}
	if holderID == "" {
		return fmt.Errorf("holder id is required")
	}
	return nil
}
