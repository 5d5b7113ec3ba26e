package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/record"
	"github.com/roach88/runname/internal/runindex"
	"github.com/roach88/runname/internal/testutil"
)

// Outcome names recorded in the trace.
const (
	OutcomeOK                  = "ok"
	OutcomeReservationNotFound = "reservation_not_found"
	OutcomeIndexConflict       = "index_conflict"
	OutcomeNotFound            = "not_found"
	OutcomeLockTimeout         = "lock_timeout"
	OutcomeSchemaVersion       = "schema_version"
)

const defaultTTL = 10 * time.Minute

// Harness executes one scenario against a private root directory.
type Harness struct {
	root    string
	clock   *testutil.FakeClock
	logger  *slog.Logger
	ttl     time.Duration
	counter *counter.Counter
	index   *runindex.Index
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temporary root that is removed afterwards.
// A returned error means the scenario could not run at all; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "runname-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario root: %w", err)
	}
	defer os.RemoveAll(root)

	h, err := newHarness(root, scenario.Settings)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		result.AddTrace(ev)
		for _, msg := range checkExpect(step, ev) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i+1, step.Op, msg))
		}
	}

	for _, msg := range h.evaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(root string, s Settings) (*Harness, error) {
	ttl := defaultTTL
	if s.TTL != "" {
		d, err := time.ParseDuration(s.TTL)
		if err != nil {
			return nil, err
		}
		ttl = d
	}

	h := &Harness{
		root:   root,
		clock:  testutil.NewFakeClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
		ttl:    ttl,
	}
	locks := h.newLocks()

	var err error
	h.counter, err = h.newCounter(locks)
	if err != nil {
		return nil, err
	}
	h.index, err = runindex.New(runindex.Options{
		Dir:            filepath.Join(root, "index"),
		ShardPrefixLen: s.ShardPrefixLen,
		Locks:          locks,
		Clock:          h.clock,
		Logger:         h.logger,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Harness) newLocks() *lockfile.Manager {
	return lockfile.NewManager(lockfile.Options{
		Timeout:    10 * time.Second,
		BackoffMin: time.Millisecond,
		BackoffMax: 10 * time.Millisecond,
		Clock:      h.clock,
		Logger:     h.logger,
	})
}

func (h *Harness) newCounter(locks *lockfile.Manager) (*counter.Counter, error) {
	return counter.New(counter.Options{
		Dir:    filepath.Join(h.root, "counters"),
		Locks:  locks,
		Clock:  h.clock,
		Logger: h.logger,
	})
}

// execute runs one step. Domain errors become the event outcome; only
// unexpected failures are returned.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	ev := TraceEvent{Op: step.Op, Args: stepArgs(step), Outcome: OutcomeOK}
	var err error

	switch step.Op {
	case OpReserve:
		ttl := h.ttl
		if step.TTL != "" {
			ttl, _ = time.ParseDuration(step.TTL)
		}
		var v int64
		if v, err = h.counter.Reserve(ctx, step.Key, step.Holder, ttl); err == nil {
			ev.Result = map[string]any{"version": v}
		}

	case OpCommit:
		err = h.counter.Commit(ctx, step.Key, step.Holder, step.Version)

	case OpCleanup:
		var removed int
		if step.Key != "" {
			removed, err = h.counter.CleanupStale(ctx, step.Key)
		} else {
			var sr *counter.SweepResult
			if sr, err = h.counter.Sweep(ctx); sr != nil {
				removed = sr.Total()
			}
		}
		if err == nil {
			ev.Result = map[string]any{"removed": int64(removed)}
		}

	case OpAdvance:
		d, _ := time.ParseDuration(step.By)
		now := h.clock.Advance(d)
		ev.Result = map[string]any{"now": now.Format(time.RFC3339Nano)}

	case OpInsert:
		var e *runindex.Entry
		if e, err = h.index.Insert(ctx, step.LookupKey, step.RecordID, step.Key, step.Version); err == nil {
			ev.Result = map[string]any{"record_id": e.RecordID}
		}

	case OpFind:
		var e *runindex.Entry
		if e, err = h.index.Find(step.LookupKey); err == nil {
			ev.Result = map[string]any{"record_id": e.RecordID}
		}

	case OpReserveConcurrent:
		ev.Result, err = h.reserveConcurrent(ctx, step)

	default:
		return ev, fmt.Errorf("unknown op %q", step.Op)
	}

	if err != nil {
		name, ok := outcomeOf(err)
		if !ok {
			return ev, err
		}
		ev.Outcome = name
	}
	return ev, nil
}

// reserveConcurrent has step.Workers independent counters, each with its
// own lock manager, reserve step.Count versions apiece in parallel.
func (h *Harness) reserveConcurrent(ctx context.Context, step Step) (map[string]any, error) {
	ttl := h.ttl
	if step.TTL != "" {
		ttl, _ = time.ParseDuration(step.TTL)
	}

	var (
		mu       sync.Mutex
		versions []int64
		wg       sync.WaitGroup
		errs     = make([]error, step.Workers)
	)
	for w := range step.Workers {
		ctr, err := h.newCounter(h.newLocks())
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range step.Count {
				holder := fmt.Sprintf("worker-%d-%d", w, i)
				v, err := ctr.Reserve(ctx, step.Key, holder, ttl)
				if err != nil {
					errs[w] = err
					return
				}
				mu.Lock()
				versions = append(versions, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	distinct := make(map[int64]bool, len(versions))
	var highest int64
	for _, v := range versions {
		distinct[v] = true
		highest = max(highest, v)
	}
	return map[string]any{
		"reserved": int64(len(versions)),
		"distinct": int64(len(distinct)),
		"max":      highest,
	}, nil
}

func outcomeOf(err error) (string, bool) {
	switch {
	case counter.IsReservationNotFound(err):
		return OutcomeReservationNotFound, true
	case runindex.IsIndexConflict(err):
		return OutcomeIndexConflict, true
	case errors.Is(err, runindex.ErrNotFound), errors.Is(err, counter.ErrNotFound):
		return OutcomeNotFound, true
	case lockfile.IsLockTimeout(err):
		return OutcomeLockTimeout, true
	case record.IsSchemaVersion(err):
		return OutcomeSchemaVersion, true
	default:
		return "", false
	}
}

// stepArgs returns the non-empty inputs of a step for the trace.
func stepArgs(step Step) map[string]any {
	args := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			args[k] = v
		}
	}
	set("key", step.Key)
	set("holder", step.Holder)
	set("ttl", step.TTL)
	set("by", step.By)
	set("lookup_key", step.LookupKey)
	set("record_id", step.RecordID)
	if step.Version != 0 {
		args["version"] = step.Version
	}
	if step.Workers != 0 {
		args["workers"] = int64(step.Workers)
	}
	if step.Count != 0 {
		args["count"] = int64(step.Count)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func checkExpect(step Step, ev TraceEvent) []string {
	want := OutcomeOK
	if step.Expect != nil && step.Expect.Error != "" {
		want = step.Expect.Error
	}
	if ev.Outcome != want {
		return []string{fmt.Sprintf("expected outcome %s, got %s", want, ev.Outcome)}
	}
	if step.Expect == nil {
		return nil
	}
	return matchSubset("result", ev.Result, step.Expect.Result)
}
