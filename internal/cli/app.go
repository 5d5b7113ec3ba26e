package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/runindex"
	"github.com/roach88/runname/internal/tracker"
)

// app is the set of components one command works with.
type app struct {
	opts    *RootOptions
	locks   *lockfile.Manager
	counter *counter.Counter
	index   *runindex.Index
	metrics *metrics.Metrics
}

func newApp(opts *RootOptions) (*app, error) {
	cfg := opts.Config
	m := metrics.Or(opts.Metrics)

	locks := lockfile.NewManager(lockfile.Options{
		Lease:      cfg.Lock.Lease.D(),
		Timeout:    cfg.Lock.Timeout.D(),
		MaxRetries: cfg.Lock.MaxRetries,
		BackoffMin: cfg.Lock.BackoffMin.D(),
		BackoffMax: cfg.Lock.BackoffMax.D(),
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    m,
	})
	ctr, err := counter.New(counter.Options{
		Dir:              cfg.CountersDir(),
		Locks:            locks,
		SweepConcurrency: cfg.Counter.SweepConcurrency,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}
	ix, err := runindex.New(runindex.Options{
		Dir:            cfg.IndexDir(),
		ShardPrefixLen: cfg.Index.ShardPrefixLen,
		Locks:          locks,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	return &app{opts: opts, locks: locks, counter: ctr, index: ix, metrics: m}, nil
}

// openTracker opens the SQLite backend at path, or the configured one.
func (a *app) openTracker(path string) (*tracker.SQLite, error) {
	if path == "" {
		path = a.opts.Config.TrackerPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("prepare tracker directory: %w", err)
		}
	}
	return tracker.OpenSQLite(path)
}

func (a *app) now() time.Time {
	return clock.Or(a.opts.Clock).Now()
}

func (a *app) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: a.opts.Format, Writer: cmd.OutOrStdout()}
}

// commandContext is cancelled on SIGINT or SIGTERM so a blocked Acquire
// gives up promptly.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// setup loads the components and a cancellable context for cmd.
func setup(opts *RootOptions, cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
	a, err := newApp(opts)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to initialise", err)
	}
	ctx, cancel := commandContext(cmd)
	return a, ctx, cancel, nil
}
