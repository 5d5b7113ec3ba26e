package runindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runname/internal/lockfile"
	"github.com/roach88/runname/internal/metrics"
	"github.com/roach88/runname/internal/record"
	fakeclock "github.com/roach88/runname/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestIndex opens an Index over dir with its own lock manager and an
// empty lookup cache, the way a fresh process would.
func newTestIndex(t *testing.T, dir string, prefixLen int, m *metrics.Metrics) *Index {
	t.Helper()
	c := fakeclock.NewFakeClock()
	locks := lockfile.NewManager(lockfile.Options{
		Timeout:    10 * time.Second,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
		Clock:      c,
		Logger:     discardLogger(),
	})
	ix, err := New(Options{
		Dir:            dir,
		ShardPrefixLen: prefixLen,
		Locks:          locks,
		Clock:          c,
		Logger:         discardLogger(),
		Metrics:        m,
	})
	require.NoError(t, err)
	return ix
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestNewValidatesOptions(t *testing.T) {
	locks := lockfile.NewManager(lockfile.Options{})

	_, err := New(Options{Locks: locks})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir()})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Locks: locks, ShardPrefixLen: 5})
	assert.Error(t, err)
}

func TestFindMissingIndex(t *testing.T) {
	ix := newTestIndex(t, filepath.Join(t.TempDir(), "never-created"), 0, nil)

	_, err := ix.Find("k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertThenFind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, nil)

	e, err := ix.Insert(ctx, "k1", "rec-1", "model-x", 3)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", e.RecordID)
	assert.Equal(t, fakeclock.Epoch, e.CreatedAt)
	assert.NotEmpty(t, e.Checksum)

	// A fresh process reads it back from disk.
	got, err := newTestIndex(t, dir, 0, nil).Find("k1")
	require.NoError(t, err)
	assert.Equal(t, *e, *got)

	lines := readLines(t, ix.ShardPath("k1"))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"schema":"runname/index"`)
}

func TestInsertSameRecordIsNoop(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, t.TempDir(), 0, nil)

	first, err := ix.Insert(ctx, "k1", "rec-1", "model-x", 1)
	require.NoError(t, err)
	again, err := ix.Insert(ctx, "k1", "rec-1", "model-x", 1)
	require.NoError(t, err)

	assert.Equal(t, *first, *again)
	assert.Len(t, readLines(t, ix.ShardPath("k1")), 2)
}

func TestInsertConflict(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, m)

	_, err := ix.Insert(ctx, "k1", "rec-1", "model-x", 1)
	require.NoError(t, err)

	_, err = newTestIndex(t, dir, 0, m).Insert(ctx, "k1", "rec-2", "model-x", 2)
	require.Error(t, err)
	assert.True(t, IsIndexConflict(err))

	var ce *IndexConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "rec-1", ce.ExistingRecordID)
	assert.Equal(t, "rec-2", ce.RecordID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexConflicts))

	got, err := newTestIndex(t, dir, 0, nil).Find("k1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecordID)
}

func TestInsertRequiresKeys(t *testing.T) {
	ix := newTestIndex(t, t.TempDir(), 0, nil)

	_, err := ix.Insert(context.Background(), "", "rec-1", "", 0)
	assert.Error(t, err)
	_, err = ix.Insert(context.Background(), "k1", "", "", 0)
	assert.Error(t, err)
}

func TestTornTailReadsAsMissAndIsRepaired(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, m)

	_, err := ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.NoError(t, err)

	// A writer died halfway through appending.
	path := ix.ShardPath("k1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"lookup_key":"k2","rec`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reader := newTestIndex(t, dir, 0, m)
	_, err = reader.Find("k2")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := reader.Find("k1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecordID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexLookups.WithLabelValues(metrics.LookupCorrupt)))

	_, err = reader.Insert(ctx, "k3", "rec-3", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRepairs))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")))
	assert.NotContains(t, string(data), `"rec`+"\n")
	assert.Len(t, readLines(t, path), 3)

	sh, err := readShard(path)
	require.NoError(t, err)
	assert.True(t, sh.clean())
	assert.Len(t, sh.entries, 2)
}

func TestChecksumMismatchReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, nil)

	_, err := ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.NoError(t, err)

	path := ix.ShardPath("k1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"record_id":"rec-1"`), []byte(`"record_id":"rec-X"`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = newTestIndex(t, dir, 0, nil).Find("k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMissingHeaderKeepsEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, nil)

	_, err := ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.NoError(t, err)

	path := ix.ShardPath("k1")
	lines := readLines(t, path)
	require.NoError(t, os.WriteFile(path, []byte(lines[1]+"\n"), 0o644))

	sh, err := readShard(path)
	require.NoError(t, err)
	assert.Equal(t, 1, sh.damaged)
	assert.Contains(t, sh.entries, "k1")
}

func TestNewerSchemaIsMissAndNotOverwritten(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 0, nil)

	path := ix.ShardPath("k1")
	future := []byte(`{"schema":"runname/index","schema_version":2}` + "\n")
	require.NoError(t, os.WriteFile(path, future, 0o644))

	_, err := ix.Find("k1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.Error(t, err)
	assert.True(t, record.IsSchemaVersion(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, future, data)
}

func TestShardPaths(t *testing.T) {
	dir := t.TempDir()

	single := newTestIndex(t, dir, 0, nil)
	assert.Equal(t, filepath.Join(dir, "index.jsonl"), single.ShardPath("anything"))

	sharded := newTestIndex(t, dir, 2, nil)
	p := sharded.ShardPath("k1")
	assert.Regexp(t, `shard-[0-9a-f]{2}\.jsonl$`, p)
	assert.Equal(t, p, sharded.ShardPath("k1"))
}

func TestShardedInsertsAreIndependent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ix := newTestIndex(t, dir, 1, nil)

	for i := range 32 {
		key := fmt.Sprintf("key-%d", i)
		_, err := ix.Insert(ctx, key, "rec-"+key, "", 0)
		require.NoError(t, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "shard-*.jsonl"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1)

	reader := newTestIndex(t, dir, 1, nil)
	for i := range 32 {
		key := fmt.Sprintf("key-%d", i)
		e, err := reader.Find(key)
		require.NoError(t, err, key)
		assert.Equal(t, "rec-"+key, e.RecordID)
	}
}

func TestConcurrentInsertsFromSeparateProcesses(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	const workers, perWorker = 6, 10
	var wg sync.WaitGroup
	for w := range workers {
		ix := newTestIndex(t, dir, 0, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				key := fmt.Sprintf("w%d-k%d", w, i)
				_, err := ix.Insert(ctx, key, "rec-"+key, "", 0)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	sh, err := readShard(filepath.Join(dir, "index.jsonl"))
	require.NoError(t, err)
	assert.True(t, sh.clean())
	assert.Len(t, sh.entries, workers*perWorker)
}

func TestFindCachesHits(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, t.TempDir(), 0, nil)

	_, err := ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(ix.ShardPath("k1")))

	got, err := ix.Find("k1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.RecordID)
}
