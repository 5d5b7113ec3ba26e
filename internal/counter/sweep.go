package counter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SweepResult summarises a Sweep.
type SweepResult struct {
	// Removed maps each cleaned naming key to the number of reservations
	// dropped from it. Keys with nothing to drop are included with 0.
	Removed map[string]int

	// Failed maps naming keys whose cleanup failed to the error.
	Failed map[string]error
}

// Total is the number of reservations removed across all keys.
func (r *SweepResult) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Keys lists the naming keys that have a readable record, sorted.
// Unreadable records are skipped; they are repaired on their next write.
func (c *Counter) Keys() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if isNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		// Lock, temp and quarantine files all carry a second extension.
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.Count(name, ".") != 1 {
			continue
		}
		rec, err := readRecord(filepath.Join(c.dir, name), "")
		if err != nil {
			c.logger.Warn("skipping unreadable counter record", "file", name, "error", err)
			continue
		}
		if filepath.Base(c.Path(rec.NamingKey)) != name {
			c.logger.Warn("skipping misplaced counter record", "file", name, "naming_key", rec.NamingKey)
			continue
		}
		names = append(names, rec.NamingKey)
	}
	sort.Strings(names)
	return names, nil
}

// Sweep runs CleanupStale over every known naming key with bounded
// concurrency. A failing key does not stop the others; all failures are
// reported in the result and joined into the returned error.
func (c *Counter) Sweep(ctx context.Context) (*SweepResult, error) {
	names, err := c.Keys()
	if err != nil {
		return nil, err
	}

	result := &SweepResult{
		Removed: make(map[string]int, len(names)),
		Failed:  make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, name := range names {
		g.Go(func() error {
			removed, err := c.CleanupStale(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[name] = err
				return nil
			}
			result.Removed[name] = removed
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("sweep finished", "keys", len(names), "removed", result.Total(), "failed", len(result.Failed))

	if len(result.Failed) == 0 {
		return result, nil
	}
	errs := make([]error, 0, len(result.Failed))
	for _, name := range names {
		if err, ok := result.Failed[name]; ok {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}
