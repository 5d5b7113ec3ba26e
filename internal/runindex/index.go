package runindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/keys"
	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/record"
)

// MaxShardPrefixLen caps sharding at 65536 files.
const MaxShardPrefixLen = 4

// Options configures an Index.
type Options struct {
	// Dir holds the shard files.
	Dir string

	// ShardPrefixLen is the number of hex digits selecting a shard.
	// Zero keeps every entry in one file.
	ShardPrefixLen int

	// Locks serialises inserts. Required.
	Locks *lockfile.Manager

	// LockOptions is passed to every Acquire.
	LockOptions lockfile.AcquireOptions

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Index is the LookupKey -> record id index.
type Index struct {
	dir       string
	prefixLen int
	locks     *lockfile.Manager
	lockOpts  lockfile.AcquireOptions
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// hits caches found entries by lookup key.
	hits sync.Map
}

// New creates an Index over opts.Dir.
func New(opts Options) (*Index, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("runindex: directory is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("runindex: lock manager is required")
	}
	if opts.ShardPrefixLen < 0 || opts.ShardPrefixLen > MaxShardPrefixLen {
		return nil, fmt.Errorf("runindex: shard prefix length %d outside 0..%d", opts.ShardPrefixLen, MaxShardPrefixLen)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		dir:       opts.Dir,
		prefixLen: opts.ShardPrefixLen,
		locks:     opts.Locks,
		lockOpts:  opts.LockOptions,
		clock:     clock.Or(opts.Clock),
		logger:    logger,
		metrics:   metrics.Or(opts.Metrics),
	}, nil
}

// ShardPath returns the shard file holding lookupKey.
func (ix *Index) ShardPath(lookupKey string) string {
	if ix.prefixLen == 0 {
		return filepath.Join(ix.dir, "index.jsonl")
	}
	return filepath.Join(ix.dir, "shard-"+keys.ShardOf(lookupKey, ix.prefixLen)+".jsonl")
}

// Find returns the entry for lookupKey without locking.
//
// A missing, damaged or newer-format shard is a miss (ErrNotFound), never a
// failure; only I/O errors such as a permission problem are returned as is.
func (ix *Index) Find(lookupKey string) (*Entry, error) {
	if v, ok := ix.hits.Load(lookupKey); ok {
		e := v.(Entry)
		ix.metrics.IndexLookups.WithLabelValues(metrics.LookupHit).Inc()
		return &e, nil
	}

	path := ix.ShardPath(lookupKey)
	sh, err := readShard(path)
	if record.IsSchemaVersion(err) {
		ix.metrics.IndexLookups.WithLabelValues(metrics.LookupCorrupt).Inc()
		ix.logger.Warn("index shard has a newer format, treating as miss", "path", path, "error", err)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read index shard: %w", err)
	}

	e, ok := sh.entries[lookupKey]
	if !ok {
		result := metrics.LookupMiss
		if sh.damaged > 0 {
			result = metrics.LookupCorrupt
			ix.logger.Debug("index shard has damaged lines", "path", path, "damaged", sh.damaged)
		}
		ix.metrics.IndexLookups.WithLabelValues(result).Inc()
		return nil, ErrNotFound
	}

	ix.hits.Store(lookupKey, e)
	ix.metrics.IndexLookups.WithLabelValues(metrics.LookupHit).Inc()
	return &e, nil
}

// Insert records that lookupKey resolved to recordID.
//
// Inserting the same (lookupKey, recordID) again is a no-op that returns the
// stored entry. A different recordID yields an *IndexConflictError and
// leaves the stored entry untouched.
func (ix *Index) Insert(ctx context.Context, lookupKey, recordID, namingKey string, version int64) (*Entry, error) {
	e, _, err := ix.insert(ctx, lookupKey, recordID, namingKey, version)
	return e, err
}

func (ix *Index) insert(ctx context.Context, lookupKey, recordID, namingKey string, version int64) (*Entry, bool, error) {
	if lookupKey == "" {
		return nil, false, fmt.Errorf("insert: lookup key is required")
	}
	if recordID == "" {
		return nil, false, fmt.Errorf("insert %s: record id is required", lookupKey)
	}

	var out Entry
	created := false
	path := ix.ShardPath(lookupKey)
	err := ix.locks.WithLock(ctx, path, ix.lockOpts, func() error {
		sh, err := readShard(path)
		if err != nil {
			return err
		}

		if existing, ok := sh.entries[lookupKey]; ok {
			if existing.RecordID != recordID {
				return &IndexConflictError{
					LookupKey:        lookupKey,
					ExistingRecordID: existing.RecordID,
					RecordID:         recordID,
				}
			}
			out = existing
			return nil
		}

		e := Entry{
			LookupKey: lookupKey,
			RecordID:  recordID,
			NamingKey: namingKey,
			Version:   version,
			CreatedAt: ix.clock.Now().UTC(),
		}
		if e.Checksum, err = e.computeChecksum(); err != nil {
			return err
		}
		line, err := entryLine(e)
		if err != nil {
			return err
		}

		switch {
		case sh.clean():
			err = appendLine(path, line)
		case !sh.exists:
			err = rewriteShard(path, []Entry{e})
		default:
			ix.metrics.IndexRepairs.Inc()
			ix.logger.Warn("rewriting damaged index shard",
				"path", path, "damaged", sh.damaged, "torn_tail", sh.tornTail, "kept", len(sh.ordered))
			err = rewriteShard(path, append(sh.ordered, e))
		}
		if err != nil {
			return fmt.Errorf("write index shard: %w", err)
		}
		out = e
		created = true
		return nil
	})
	if err != nil {
		if IsIndexConflict(err) {
			ix.metrics.IndexConflicts.Inc()
			ix.logger.Warn("index conflict", "lookup_key", lookupKey, "error", err)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("insert %s: %w", lookupKey, err)
	}

	if created {
		ix.metrics.IndexInserts.Inc()
		ix.logger.Info("index entry written", "lookup_key", lookupKey, "record_id", recordID,
			"naming_key", namingKey, "version", version)
	}
	ix.hits.Store(lookupKey, out)
	return &out, created, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
