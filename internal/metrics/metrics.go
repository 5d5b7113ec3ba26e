// Package metrics exposes Prometheus collectors for lock contention,
// reservations and index lookups.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results recorded by IndexLookups.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupCorrupt = "corrupt"
)

// Metrics groups every collector the subsystem updates.
//
// A nil *Metrics is not valid; use Discard when no registry is wanted.
type Metrics struct {
	LockAcquired      prometheus.Counter
	LockTimeouts      prometheus.Counter
	LockStaleReclaims prometheus.Counter
	LockWaitSeconds   prometheus.Histogram

	Reservations       prometheus.Counter
	Commits            *prometheus.CounterVec
	StaleRemoved       prometheus.Counter
	CorruptQuarantined prometheus.Counter

	IndexLookups   *prometheus.CounterVec
	IndexInserts   prometheus.Counter
	IndexConflicts prometheus.Counter
	IndexRepairs   prometheus.Counter
	BackendLookups *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		LockAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_lock_acquired_total",
			Help: "Count of successfully acquired file locks.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_lock_timeouts_total",
			Help: "Count of lock acquisitions that gave up after their timeout or retry budget.",
		}),
		LockStaleReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_lock_stale_reclaims_total",
			Help: "Count of abandoned lock claims forcibly reclaimed after their lease expired.",
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runname_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a file lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Reservations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_reservations_total",
			Help: "Count of version reservations handed out.",
		}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runname_commits_total",
			Help: "Count of commit attempts labeled by result.",
		}, []string{"result"}),
		StaleRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_stale_reservations_removed_total",
			Help: "Count of stale reservations reclaimed from counter records.",
		}),
		CorruptQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_corrupt_records_quarantined_total",
			Help: "Count of unreadable counter records moved aside and recreated.",
		}),
		IndexLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runname_index_lookups_total",
			Help: "Count of index lookups labeled by result.",
		}, []string{"result"}),
		IndexInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_index_inserts_total",
			Help: "Count of new index entries written.",
		}),
		IndexConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_index_conflicts_total",
			Help: "Count of inserts rejected because the lookup key maps to another record.",
		}),
		IndexRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runname_index_shard_repairs_total",
			Help: "Count of index shards rewritten to drop corrupt lines.",
		}),
		BackendLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runname_backend_lookups_total",
			Help: "Count of fallback lookups against the tracking backend labeled by result.",
		}, []string{"result"}),
	}
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// Discard creates collectors that are not registered anywhere.
func Discard() *Metrics {
	return newMetrics()
}

// Or returns m, or a discarding set when m is nil.
func Or(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LockAcquired,
		m.LockTimeouts,
		m.LockStaleReclaims,
		m.LockWaitSeconds,
		m.Reservations,
		m.Commits,
		m.StaleRemoved,
		m.CorruptQuarantined,
		m.IndexLookups,
		m.IndexInserts,
		m.IndexConflicts,
		m.IndexRepairs,
		m.BackendLookups,
	}
}
