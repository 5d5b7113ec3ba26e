package runindex

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runname/internal/tracker"
)

func TestRebuildFromSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := tracker.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a, err := store.Create(ctx, tracker.NewRecord{Name: "model-x-v1", LookupKey: "ka", NamingKey: "model-x", Version: 1})
	require.NoError(t, err)
	b, err := store.Create(ctx, tracker.NewRecord{Name: "model-x-v2", LookupKey: "kb", NamingKey: "model-x", Version: 2})
	require.NoError(t, err)
	_, err = store.Create(ctx, tracker.NewRecord{Name: "scratch"})
	require.NoError(t, err)

	dir := t.TempDir()
	ix := newTestIndex(t, dir, 2, nil)
	_, err = ix.Insert(ctx, "ka", a.ID, "model-x", 1)
	require.NoError(t, err)

	res, err := ix.Rebuild(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Existing)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Conflicts)

	e, err := newTestIndex(t, dir, 2, nil).Find("kb")
	require.NoError(t, err)
	assert.Equal(t, b.ID, e.RecordID)
	assert.Equal(t, int64(2), e.Version)
}

// listFunc adapts a slice to tracker.Lister.
type listFunc []tracker.Record

func (l listFunc) List(ctx context.Context, fn func(tracker.Record) error) error {
	for _, rec := range l {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuildCollectsConflicts(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t, t.TempDir(), 0, nil)
	_, err := ix.Insert(ctx, "k1", "rec-1", "", 0)
	require.NoError(t, err)

	res, err := ix.Rebuild(ctx, listFunc{
		{ID: "rec-2", LookupKey: "k1"},
		{ID: "rec-3", LookupKey: "k3"},
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "rec-1", res.Conflicts[0].ExistingRecordID)
	assert.Equal(t, 1, res.Inserted)
}

type failingLister struct{ err error }

func (f failingLister) List(context.Context, func(tracker.Record) error) error { return f.err }

func TestRebuildPropagatesListError(t *testing.T) {
	boom := errors.New("list failed")
	_, err := newTestIndex(t, t.TempDir(), 0, nil).Rebuild(context.Background(), failingLister{err: boom})
	assert.ErrorIs(t, err, boom)
}
