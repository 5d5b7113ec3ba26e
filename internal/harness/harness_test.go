package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios(t *testing.T) {
	for _, name := range []string{"crashed_worker", "ttl_boundary", "index_write_once", "concurrent_uniqueness"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestGoldenTraces(t *testing.T) {
	for _, name := range []string{"crashed_worker", "index_write_once"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestFailedExpectationIsReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_version
description: "expects the wrong version"
steps:
  - op: reserve
    key: k
    holder: A
    expect:
      result: { version: 2 }
  - op: commit
    key: k
    holder: A
    version: 7
assertions:
  - type: counter_state
    key: k
    expect: { committed_version: 1 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], `field "version" = 1, expected 2`)
	assert.Contains(t, result.Errors[1], "expected outcome ok, got reservation_not_found")
	assert.True(t, strings.HasPrefix(result.Errors[2], "assertions[0] (counter_state)"))
}

func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: d\nsteps: [{op: cleanup}]\n", "name is required"},
		{"missing steps", "name: n\ndescription: d\n", "steps list is required"},
		{"unknown field", "name: n\ndescription: d\nstepz: []\n", "failed to parse YAML"},
		{"unknown op", "name: n\ndescription: d\nsteps: [{op: explode}]\n", `unknown op "explode"`},
		{"reserve without holder", "name: n\ndescription: d\nsteps: [{op: reserve, key: k}]\n", "reserve requires"},
		{"backwards advance", "name: n\ndescription: d\nsteps: [{op: advance, by: -1s}]\n", "backwards"},
		{"bad ttl", "name: n\ndescription: d\nsettings: {ttl: soon}\nsteps: [{op: cleanup}]\n", "settings.ttl"},
		{"unknown assertion", "name: n\ndescription: d\nsteps: [{op: cleanup}]\nassertions: [{type: vibes}]\n", "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"version":         int64(3),
		"pending_holders": []string{"A", "B"},
		"found":           true,
	}

	assert.Empty(t, matchSubset("x", actual, map[string]any{"version": 3}))
	assert.Empty(t, matchSubset("x", actual, map[string]any{"pending_holders": []any{"A", "B"}}))
	assert.Len(t, matchSubset("x", actual, map[string]any{"found": false}), 1)
	assert.Len(t, matchSubset("x", actual, map[string]any{"missing": 1}), 1)
}
