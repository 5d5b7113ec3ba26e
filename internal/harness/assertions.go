package harness

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/runname/internal/counter"
	"github.com/roach88/runname/internal/keys"
	"github.com/roach88/runname/internal/runindex"
)

// evaluateAssertions evaluates all assertions against the final state.
// Returns one message per failed assertion.
func (h *Harness) evaluateAssertions(result *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		var failures []string
		switch a.Type {
		case AssertCounterState:
			failures = h.assertCounterState(a)
		case AssertIndexEntry:
			failures = h.assertIndexEntry(a)
		case AssertTraceCount:
			failures = assertTraceCount(result.Trace, a)
		default:
			failures = []string{fmt.Sprintf("unknown assertion type %q", a.Type)}
		}
		for _, f := range failures {
			msgs = append(msgs, fmt.Sprintf("assertions[%d] (%s): %s", i, a.Type, f))
		}
	}
	return msgs
}

func (h *Harness) assertCounterState(a Assertion) []string {
	rec, err := h.counter.Get(a.Key)
	if errors.Is(err, counter.ErrNotFound) {
		return matchSubset(a.Key, map[string]any{"exists": false}, a.Expect)
	}
	if err != nil {
		return []string{err.Error()}
	}
	return matchSubset(a.Key, counterState(rec), a.Expect)
}

func counterState(rec *counter.Record) map[string]any {
	pending := append([]counter.Reservation(nil), rec.Pending...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	holders := make([]string, len(pending))
	versions := make([]any, len(pending))
	for i, p := range pending {
		holders[i] = p.HolderID
		versions[i] = p.Version
	}
	return map[string]any{
		"exists":            true,
		"committed_version": rec.CommittedVersion,
		"high_water":        rec.HighWater,
		"pending":           int64(len(pending)),
		"pending_holders":   holders,
		"pending_versions":  versions,
	}
}

func (h *Harness) assertIndexEntry(a Assertion) []string {
	e, err := h.index.Find(a.LookupKey)
	if errors.Is(err, runindex.ErrNotFound) {
		return matchSubset(a.LookupKey, map[string]any{"found": false}, a.Expect)
	}
	if err != nil {
		return []string{err.Error()}
	}
	return matchSubset(a.LookupKey, map[string]any{
		"found":      true,
		"record_id":  e.RecordID,
		"naming_key": e.NamingKey,
		"version":    e.Version,
	}, a.Expect)
}

func assertTraceCount(trace []TraceEvent, a Assertion) []string {
	n := 0
	for _, ev := range trace {
		if ev.Op == a.Op && (a.Outcome == "" || ev.Outcome == a.Outcome) {
			n++
		}
	}
	if n != a.Count {
		return []string{fmt.Sprintf("expected %d %s steps, found %d", a.Count, a.Op, n)}
	}
	return nil
}

// matchSubset checks that every expected field is present in actual with an
// equal value. Values are compared by their canonical JSON, so YAML ints
// match int64 results and YAML lists match string slices.
func matchSubset(subject string, actual, expected map[string]any) []string {
	fields := make([]string, 0, len(expected))
	for k := range expected {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var failures []string
	for _, k := range fields {
		got, ok := actual[k]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: field %q missing", subject, k))
			continue
		}
		if !valuesEqual(got, expected[k]) {
			failures = append(failures, fmt.Sprintf("%s: field %q = %v, expected %v", subject, k, got, expected[k]))
		}
	}
	return failures
}

func valuesEqual(actual, expected any) bool {
	a, errA := keys.MarshalCanonical(actual)
	b, errB := keys.MarshalCanonical(expected)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
