package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/runname/internal/clock"
	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/lockfile"
	fakeclock "github.com/roach88/runname/internal/testutil"
)

func runCLI(t *testing.T, root string, args ...string) (int, string, string) {
	t.Helper()
	return runCLIAt(t, fakeclock.NewFakeClock(), root, args...)
}

func runCLIAt(t *testing.T, clk clock.Clock, root string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	opts := &RootOptions{Clock: clk}
	code := execute(opts, append([]string{"--root", root}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeData(t *testing.T, stdout string) map[string]any {
	t.Helper()
	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestKeyCommand(t *testing.T) {
	root := t.TempDir()

	code, out1, _ := runCLI(t, root, "key", "-p", "dataset=imagenet", "-p", "seed=7")
	require.Equal(t, ExitSuccess, code)
	code, out2, _ := runCLI(t, root, "key", "-p", "seed=7", "-p", "dataset=imagenet")
	require.Equal(t, ExitSuccess, code)

	assert.Equal(t, out1, out2)
	assert.Len(t, strings.TrimSpace(out1), 64)

	code, out, _ := runCLI(t, root, "--format", "json", "key", "-p", "seed=7", "--base", " Model X ")
	require.Equal(t, ExitSuccess, code)
	data := decodeData(t, out)
	assert.Len(t, data["lookup_key"], 64)
	assert.Equal(t, "Model X", data["naming_key"])
}

func TestKeyCommandRejectsBadParams(t *testing.T) {
	code, _, _ := runCLI(t, t.TempDir(), "key", "-p", "novalue")
	assert.Equal(t, ExitCommandError, code)

	code, _, _ = runCLI(t, t.TempDir(), "key", "-p", "a=1", "-p", "a=2")
	assert.Equal(t, ExitCommandError, code)
}

func TestReserveCommitInspect(t *testing.T) {
	root := t.TempDir()

	code, out, _ := runCLI(t, root, "reserve", "model-x", "--holder", "A")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "1 A\n", out)

	code, out, _ = runCLI(t, root, "reserve", "model-x", "--holder", "B")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "2 B\n", out)

	code, _, _ = runCLI(t, root, "commit", "model-x", "--holder", "A", "--version", "1")
	require.Equal(t, ExitSuccess, code)

	code, _, stderr := runCLI(t, root, "commit", "model-x", "--holder", "A", "--version", "1")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, ErrCodeReservationNotFound)

	code, out, _ = runCLI(t, root, "--format", "json", "inspect", "model-x")
	require.Equal(t, ExitSuccess, code)
	data := decodeData(t, out)
	assert.Equal(t, float64(1), data["committed_version"])
	assert.Len(t, data["pending"], 1)

	code, out, _ = runCLI(t, root, "inspect", "model-x")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "v2 holder=B")
	assert.Contains(t, out, "live")
}

func TestInspectUnknownKey(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "inspect", "nothing-here")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, ErrCodeNotFound)
}

func TestInspectCorruptRecordReadsAsMissing(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCLI(t, root, "reserve", "model-x", "--holder", "A")
	require.Equal(t, ExitSuccess, code)

	files, err := filepath.Glob(filepath.Join(root, "counters", "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(files[0], []byte("{torn"), 0o644))

	code, _, stderr := runCLI(t, root, "inspect", "model-x")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, ErrCodeNotFound)
	assert.FileExists(t, files[0])
}

func TestMetricsFile(t *testing.T) {
	root := t.TempDir()
	metricsPath := filepath.Join(t.TempDir(), "runname.prom")

	code, _, _ := runCLI(t, root, "--metrics-file", metricsPath, "reserve", "model-x", "--holder", "A")
	require.Equal(t, ExitSuccess, code)
	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "runname_reservations_total 1")
	assert.Contains(t, string(data), "runname_lock_acquired_total 1")

	// Failed commands still report.
	code, _, _ = runCLI(t, root, "--metrics-file", metricsPath, "commit", "model-x", "--holder", "B", "--version", "1")
	require.Equal(t, ExitFailure, code)
	data, err = os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `runname_commits_total{result="not_found"} 1`)
	assert.NotContains(t, string(data), "runname_reservations_total 1")
}

func TestNoMetricsFileByDefault(t *testing.T) {
	root := t.TempDir()
	code, _, _ := runCLI(t, root, "reserve", "model-x", "--holder", "A")
	require.Equal(t, ExitSuccess, code)

	matches, err := filepath.Glob(filepath.Join(root, "*.prom"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCrashedWorkerScenario(t *testing.T) {
	root := t.TempDir()
	clk := fakeclock.NewFakeClock()
	run := func(args ...string) string {
		t.Helper()
		code, out, stderr := runCLIAt(t, clk, root, args...)
		require.Equal(t, ExitSuccess, code, stderr)
		return strings.TrimSpace(out)
	}

	assert.Equal(t, "1 A", run("reserve", "model-x", "--holder", "A", "--ttl", "30s"))
	assert.Equal(t, "2 B", run("reserve", "model-x", "--holder", "B", "--ttl", "30s"))
	assert.Equal(t, "3 C", run("reserve", "model-x", "--holder", "C", "--ttl", "30s"))
	run("commit", "model-x", "--holder", "A", "--version", "1")
	run("commit", "model-x", "--holder", "C", "--version", "3")

	// B crashed. 40 seconds later its reservation is reclaimed.
	clk.Advance(40 * time.Second)
	assert.Contains(t, run("cleanup", "model-x"), "model-x: removed 1")
	assert.Equal(t, "4 D", run("reserve", "model-x", "--holder", "D", "--ttl", "30s"))

	code, out, _ := runCLIAt(t, clk, root, "--format", "json", "inspect", "model-x")
	require.Equal(t, ExitSuccess, code)
	data := decodeData(t, out)
	assert.Equal(t, float64(3), data["committed_version"])
}

func TestCleanupAll(t *testing.T) {
	root := t.TempDir()
	clk := fakeclock.NewFakeClock()
	for _, key := range []string{"alpha", "beta"} {
		code, _, _ := runCLIAt(t, clk, root, "reserve", key, "--holder", "h", "--ttl", "1s")
		require.Equal(t, ExitSuccess, code)
	}
	clk.Advance(2 * time.Second)

	code, out, _ := runCLIAt(t, clk, root, "--format", "json", "cleanup", "--all")
	require.Equal(t, ExitSuccess, code)
	data := decodeData(t, out)
	assert.Equal(t, float64(2), data["total"])
}

func TestCleanupNeedsKeyOrAll(t *testing.T) {
	code, _, _ := runCLI(t, t.TempDir(), "cleanup")
	assert.Equal(t, ExitCommandError, code)

	code, _, _ = runCLI(t, t.TempDir(), "cleanup", "model-x", "--all")
	assert.Equal(t, ExitCommandError, code)
}

func TestInsertAndFind(t *testing.T) {
	root := t.TempDir()

	code, _, _ := runCLI(t, root, "insert", "k1", "--record-id", "rec-1", "--naming-key", "model-x", "--version", "1")
	require.Equal(t, ExitSuccess, code)

	code, _, _ = runCLI(t, root, "insert", "k1", "--record-id", "rec-1")
	assert.Equal(t, ExitSuccess, code, "same record is a no-op")

	code, _, stderr := runCLI(t, root, "insert", "k1", "--record-id", "rec-2")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, ErrCodeIndexConflict)

	code, out, _ := runCLI(t, root, "find", "k1")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "rec-1 (from index)\n", out)

	code, _, _ = runCLI(t, root, "find", "k-missing")
	assert.Equal(t, ExitFailure, code)
}

func TestNameFindRebuild(t *testing.T) {
	root := t.TempDir()

	code, out, stderr := runCLI(t, root, "name", "model-x", "-p", "seed=7")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.True(t, strings.HasPrefix(out, "model-x-v1 ("), out)

	code, out, _ = runCLI(t, root, "name", "model-x", "-p", "seed=7")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "reused")

	code, out, _ = runCLI(t, root, "--format", "json", "name", "model-x", "-p", "seed=8")
	require.Equal(t, ExitSuccess, code)
	data := decodeData(t, out)
	assert.Equal(t, "model-x-v2", data["name"])

	_, lookup, _ := runCLI(t, root, "key", "-p", "seed=8")
	lookup = strings.TrimSpace(lookup)

	// Lose the index: find falls back to the tracker, rebuild restores it.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "index")))

	code, _, _ = runCLI(t, root, "find", lookup)
	assert.Equal(t, ExitFailure, code)

	code, out, _ = runCLI(t, root, "find", lookup, "--fallback")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "(from backend)")

	require.NoError(t, os.RemoveAll(filepath.Join(root, "index")))
	code, out, _ = runCLI(t, root, "rebuild")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "inserted: 2")

	code, out, _ = runCLI(t, root, "find", lookup)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "(from index)")
}

func TestNameUnavailableUnderContention(t *testing.T) {
	root := t.TempDir()
	cfg := writeFile(t, "runname.yaml", `
lock:
  timeout: 50ms
  backoff_min: 1ms
  backoff_max: 5ms
naming:
  max_attempts: 2
  retry_backoff: 1ms
`)

	locks := lockfile.NewManager(lockfile.Options{Lease: time.Hour, Clock: fakeclock.NewFakeClock()})
	ctr, err := counter.New(counter.Options{Dir: filepath.Join(root, "counters"), Locks: locks})
	require.NoError(t, err)
	h, err := locks.Acquire(context.Background(), ctr.Path("model-x"), lockfile.AcquireOptions{})
	require.NoError(t, err)
	defer h.Release()

	code, _, stderr := runCLI(t, root, "--config", cfg, "name", "model-x")
	assert.Equal(t, ExitUnavailable, code)
	assert.Contains(t, stderr, ErrCodeUnavailable)
}
