package runindex

import (
	"context"
	"fmt"

	"github.com/roach88/runname/internal/tracker"
)

// RebuildResult summarises a Rebuild.
type RebuildResult struct {
	Inserted  int
	Existing  int
	Conflicts []*IndexConflictError

	// Skipped counts records without a lookup key.
	Skipped int
}

// Rebuild repopulates the index from every record the backend lists.
// Existing entries are kept; conflicts are collected rather than aborting
// the walk.
func (ix *Index) Rebuild(ctx context.Context, src tracker.Lister) (*RebuildResult, error) {
	res := &RebuildResult{}
	err := src.List(ctx, func(rec tracker.Record) error {
		if rec.LookupKey == "" {
			res.Skipped++
			return nil
		}
		_, created, err := ix.insert(ctx, rec.LookupKey, rec.ID, rec.NamingKey, rec.Version)
		if err != nil {
			if ce, ok := asIndexConflict(err); ok {
				res.Conflicts = append(res.Conflicts, ce)
				return nil
			}
			return err
		}
		if created {
			res.Inserted++
		} else {
			res.Existing++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("rebuild index: %w", err)
	}
	ix.logger.Info("index rebuilt", "inserted", res.Inserted, "existing", res.Existing,
		"conflicts", len(res.Conflicts), "skipped", res.Skipped)
	return res, nil
}
