package counter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	fakeclock "github.com/roach88/runname/internal/testutil"
)

// The on-disk format is shared with other processes and other builds;
// any change to it must be deliberate.
//
// To regenerate the golden file, run:
//
//	go test ./internal/counter -run TestRecordFormat -update
func TestRecordFormat(t *testing.T) {
	ctx := context.Background()
	c := newTestCounter(t, t.TempDir(), fakeclock.NewFakeClock(), nil)

	v1, err := c.Reserve(ctx, "model-x", "A", 30*time.Second)
	require.NoError(t, err)
	_, err = c.Reserve(ctx, "model-x", "B", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, "model-x", "A", v1))

	data, err := os.ReadFile(c.Path("model-x"))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "counter_record", data)
}
