package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/record"
)

// Suffix is appended to a resource path to form its lock path.
const Suffix = ".lock"

// guardSuffix marks the file that serialises stale-claim reclaimers.
const guardSuffix = ".reclaim"

// Defaults are conservative: a lease far longer than any critical section,
// so that clock skew between hosts cannot expire a live holder.
const (
	DefaultLease      = 2 * time.Minute
	DefaultTimeout    = 30 * time.Second
	DefaultBackoffMin = 25 * time.Millisecond
	DefaultBackoffMax = time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// Lease is how long a claim is honoured without being released.
	Lease time.Duration

	// Timeout bounds the time Acquire spends retrying.
	Timeout time.Duration

	// MaxRetries bounds the number of retries after the first attempt.
	// Zero means unbounded (limited by Timeout only).
	MaxRetries int

	// BackoffMin and BackoffMax bound the jittered exponential backoff
	// between attempts.
	BackoffMin time.Duration
	BackoffMax time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewHolderID generates the holder id recorded in each claim.
	// Defaults to UUIDv7.
	NewHolderID func() string
}

// AcquireOptions overrides the manager defaults for one acquisition.
// Zero values inherit from the Manager.
type AcquireOptions struct {
	Timeout    time.Duration
	MaxRetries int
	Lease      time.Duration
}

// Manager hands out file locks. It holds no lock state of its own, so any
// number of Managers, in any number of processes, can share a directory.
type Manager struct {
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hostname string
}

// NewManager creates a lock manager.
func NewManager(opts Options) *Manager {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = DefaultBackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffMin)
	}
	if opts.NewHolderID == nil {
		opts.NewHolderID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hostname, _ := os.Hostname()

	return &Manager{
		opts:     opts,
		clock:    clock.Or(opts.Clock),
		logger:   logger,
		metrics:  metrics.Or(opts.Metrics),
		hostname: hostname,
	}
}

// Handle is a held lock. Release it when the critical section ends.
type Handle struct {
	// Resource is the protected path; Path is the claim file.
	Resource string
	Path     string

	HolderID   string
	AcquiredAt time.Time
	Lease      time.Duration

	m        *Manager
	released atomic.Bool
}

// ExpiresAt is the instant after which other processes may reclaim the lock.
func (h *Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.Lease)
}

// Release gives the lock up. See Manager.Release.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	return h.m.Release(h)
}

// Acquire claims resource exclusively.
//
// It retries with jittered exponential backoff until the claim succeeds,
// the timeout elapses, the retry budget is exhausted or ctx is done.
// Exhausting the budget returns a *LockTimeoutError. The timeout is measured
// on the local monotonic clock; only leases use wall-clock timestamps.
func (m *Manager) Acquire(ctx context.Context, resource string, ao AcquireOptions) (*Handle, error) {
	timeout, maxRetries, lease := m.resolve(ao)
	lockPath := resource + Suffix
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare lock directory: %w", err)
	}

	holder := m.opts.NewHolderID()
	start := time.Now()
	attempts := 0
	lastHolder := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", resource, err)
		}
		attempts++

		acquiredAt := m.clock.Now()
		c := claim{
			Header:     record.Header{Schema: claimSchema, SchemaVersion: claimSchemaVersion},
			HolderID:   holder,
			PID:        os.Getpid(),
			Hostname:   m.hostname,
			AcquiredAt: acquiredAt,
			LeaseMS:    lease.Milliseconds(),
		}
		err := createExclusive(lockPath, c)
		if err == nil {
			m.metrics.LockAcquired.Inc()
			m.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			m.logger.Debug("lock acquired", "resource", resource, "holder", holder, "attempts", attempts)
			return &Handle{
				Resource:   resource,
				Path:       lockPath,
				HolderID:   holder,
				AcquiredAt: acquiredAt,
				Lease:      lease,
				m:          m,
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", resource, err)
		}

		retryNow, current := m.reclaimIfStale(lockPath, holder)
		if current != "" {
			lastHolder = current
		}

		waited := time.Since(start)
		exhausted := maxRetries > 0 && attempts > maxRetries
		if exhausted || waited >= timeout {
			m.metrics.LockTimeouts.Inc()
			m.logger.Debug("lock timeout", "resource", resource, "attempts", attempts, "held_by", lastHolder)
			return nil, &LockTimeoutError{
				Resource: resource,
				Holder:   lastHolder,
				Attempts: attempts,
				Waited:   waited,
			}
		}
		if retryNow {
			continue
		}

		wait := min(m.backoff(attempts), timeout-waited)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock %s: %w", resource, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release removes the claim if it is still ours. It is idempotent: releasing
// twice, or releasing a claim that expired and was taken over, is not an
// error. A taken-over claim is left in place for its new holder.
func (m *Manager) Release(h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}

	c, _, err := readClaim(h.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil || c.HolderID != h.HolderID {
		m.logger.Warn("lock was reclaimed before release",
			"resource", h.Resource, "holder", h.HolderID, "current", c.HolderID)
		return nil
	}

	if err := os.Remove(h.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		h.released.Store(false)
		return fmt.Errorf("release lock %s: %w", h.Resource, err)
	}
	m.logger.Debug("lock released", "resource", h.Resource, "holder", h.HolderID)
	return nil
}

// WithLock runs fn while holding the lock on resource.
// The lock is released even if fn fails; fn's error takes precedence.
func (m *Manager) WithLock(ctx context.Context, resource string, ao AcquireOptions, fn func() error) (err error) {
	h, err := m.Acquire(ctx, resource, ao)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(h); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (m *Manager) resolve(ao AcquireOptions) (time.Duration, int, time.Duration) {
	timeout, maxRetries, lease := ao.Timeout, ao.MaxRetries, ao.Lease
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	if maxRetries <= 0 {
		maxRetries = m.opts.MaxRetries
	}
	if lease <= 0 {
		lease = m.opts.Lease
	}
	return timeout, maxRetries, lease
}

// backoff returns the wait before the next attempt: exponential growth
// capped at BackoffMax, with half of each step randomised so contenders
// spread out instead of retrying in lockstep.
func (m *Manager) backoff(attempt int) time.Duration {
	ceiling := m.opts.BackoffMin
	for i := 1; i < attempt && ceiling < m.opts.BackoffMax; i++ {
		ceiling *= 2
	}
	ceiling = min(ceiling, m.opts.BackoffMax)
	half := ceiling / 2
	return half + rand.N(ceiling-half+1)
}

// reclaimIfStale removes the claim at lockPath if its lease has expired.
// It reports whether the caller should retry immediately (the claim is gone)
// and the holder id it found, if readable.
//
// Reclaimers are serialised through a guard file, and the claim is checked
// again under the guard, so two reclaimers can never act on the same claim.
func (m *Manager) reclaimIfStale(lockPath, self string) (bool, string) {
	c, info, err := readClaim(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return true, ""
	}
	if info == nil {
		return false, ""
	}
	if age, lease := m.staleness(c, info, err); age <= lease {
		return false, c.HolderID
	}

	release, ok := m.guardReclaim(lockPath, self)
	if !ok {
		return false, c.HolderID
	}
	defer release()

	c, info, err = readClaim(lockPath)
	if errors.Is(err, fs.ErrNotExist) {
		return true, ""
	}
	if info == nil {
		return false, ""
	}
	age, lease := m.staleness(c, info, err)
	if age <= lease {
		return false, c.HolderID
	}

	tomb := fmt.Sprintf("%s.stale-%s", lockPath, self)
	if err := os.Rename(lockPath, tomb); err != nil {
		// The holder released in the meantime.
		return errors.Is(err, fs.ErrNotExist), c.HolderID
	}
	defer os.Remove(tomb)

	moved, movedInfo, movedErr := readClaim(tomb)
	same := false
	switch {
	case err == nil && movedErr == nil:
		same = moved.HolderID == c.HolderID && moved.AcquiredAt.Equal(c.AcquiredAt)
	case err != nil && movedErr != nil && movedInfo != nil:
		same = movedInfo.ModTime().Equal(info.ModTime()) && movedInfo.Size() == info.Size()
	}
	if !same {
		// The holder released and a new claim landed between the check and
		// the rename. Put it back.
		if lerr := os.Link(tomb, lockPath); lerr != nil {
			m.logger.Warn("displaced a live lock claim", "path", lockPath, "holder", moved.HolderID, "error", lerr)
		}
		return false, moved.HolderID
	}

	m.metrics.LockStaleReclaims.Inc()
	m.logger.Warn("reclaimed stale lock",
		"path", lockPath, "holder", c.HolderID, "age", age.Truncate(time.Millisecond), "lease", lease)
	return true, c.HolderID
}

// staleness returns how old a claim is and the lease it is entitled to.
// Unreadable claims are aged by modification time against the manager lease.
func (m *Manager) staleness(c claim, info fs.FileInfo, readErr error) (time.Duration, time.Duration) {
	acquiredAt, lease := c.AcquiredAt, c.lease()
	if readErr != nil {
		acquiredAt, lease = info.ModTime(), m.opts.Lease
	}
	return m.clock.Now().Sub(acquiredAt), lease
}

// guardReclaim takes the reclaim guard of lockPath. A guard left behind by a
// reclaimer that died is removed once it is older than the manager lease;
// the caller then tries again on its next attempt.
func (m *Manager) guardReclaim(lockPath, self string) (func(), bool) {
	guardPath := lockPath + guardSuffix
	g := claim{
		Header:     record.Header{Schema: claimSchema, SchemaVersion: claimSchemaVersion},
		HolderID:   self,
		PID:        os.Getpid(),
		Hostname:   m.hostname,
		AcquiredAt: m.clock.Now(),
		LeaseMS:    m.opts.Lease.Milliseconds(),
	}
	err := writeClaim(guardPath, g)
	if err == nil {
		return func() { os.Remove(guardPath) }, true
	}
	if !errors.Is(err, fs.ErrExist) {
		m.logger.Warn("cannot take reclaim guard", "path", guardPath, "error", err)
		return nil, false
	}

	held, info, rerr := readClaim(guardPath)
	if info == nil {
		return nil, false
	}
	if age, lease := m.staleness(held, info, rerr); age > lease {
		m.logger.Warn("removing abandoned reclaim guard", "path", guardPath, "holder", held.HolderID)
		os.Remove(guardPath)
	}
	return nil, false
}
