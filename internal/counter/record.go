package counter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/roach88/runname/internal/record"
)

// Schema identifies counter documents.
const (
	Schema        = "runname/counter"
	SchemaVersion = 1
)

// Reservation is a claimed but not yet committed version.
type Reservation struct {
	Version    int64     `json:"version"`
	HolderID   string    `json:"holder_id"`
	ReservedAt time.Time `json:"reserved_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// ExpiresAt is the last instant at which the reservation is still live.
func (r Reservation) ExpiresAt() time.Time {
	return r.ReservedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Stale reports whether the holder is presumed crashed: strictly more than
// ttl_seconds have passed since the reservation was made.
func (r Reservation) Stale(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// Record is the persisted state of one naming key.
type Record struct {
	record.Header
	NamingKey        string        `json:"naming_key"`
	CommittedVersion int64         `json:"committed_version"`
	HighWater        int64         `json:"high_water"`
	Pending          []Reservation `json:"pending"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func newRecord(namingKey string) *Record {
	return &Record{
		Header:    record.Header{Schema: Schema, SchemaVersion: SchemaVersion},
		NamingKey: namingKey,
		Pending:   []Reservation{},
	}
}

// nextVersion is one past every version ever issued or committed.
func (r *Record) nextVersion() int64 {
	highest := max(r.CommittedVersion, r.HighWater)
	for _, p := range r.Pending {
		highest = max(highest, p.Version)
	}
	return highest + 1
}

// removeStale drops stale reservations and returns them.
func (r *Record) removeStale(now time.Time) []Reservation {
	var removed []Reservation
	kept := r.Pending[:0]
	for _, p := range r.Pending {
		if p.Stale(now) {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	r.Pending = kept
	return removed
}

func (r *Record) findPending(holderID string, version int64) int {
	for i, p := range r.Pending {
		if p.HolderID == holderID && p.Version == version {
			return i
		}
	}
	return -1
}

func (r *Record) liveFor(holderID string, now time.Time) (Reservation, bool) {
	for _, p := range r.Pending {
		if p.HolderID == holderID && !p.Stale(now) {
			return p, true
		}
	}
	return Reservation{}, false
}

func (r *Record) validate(path, namingKey string) error {
	corrupt := func(format string, args ...any) error {
		return &record.CorruptRecordError{Path: path, Reason: fmt.Sprintf(format, args...)}
	}
	if r.NamingKey != namingKey {
		return corrupt("naming_key %q, want %q", r.NamingKey, namingKey)
	}
	if r.CommittedVersion < 0 || r.HighWater < 0 {
		return corrupt("negative version")
	}
	if r.CommittedVersion > r.HighWater {
		return corrupt("committed_version %d above high_water %d", r.CommittedVersion, r.HighWater)
	}
	seen := make(map[int64]bool, len(r.Pending))
	for _, p := range r.Pending {
		if p.Version < 1 || p.Version > r.HighWater {
			return corrupt("pending version %d outside 1..%d", p.Version, r.HighWater)
		}
		if seen[p.Version] {
			return corrupt("pending version %d claimed twice", p.Version)
		}
		if p.HolderID == "" {
			return corrupt("pending version %d has no holder", p.Version)
		}
		seen[p.Version] = true
	}
	if r.Pending == nil {
		r.Pending = []Reservation{}
	}
	return nil
}

// readRecord loads and validates the record at path. A missing file is
// reported as fs.ErrNotExist.
func readRecord(path, namingKey string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &record.CorruptRecordError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if err := r.Header.Check(path, Schema, SchemaVersion); err != nil {
		return nil, err
	}
	if namingKey == "" {
		namingKey = r.NamingKey
	}
	if err := r.validate(path, namingKey); err != nil {
		return nil, err
	}
	return &r, nil
}

// salvage decodes the version fields of a record that failed to load and
// returns a consistent floor: the highest version seen anywhere in it, and
// the committed version. Fields that do not decode count as zero.
func salvage(data []byte) (committed, highWater int64) {
	var raw struct {
		CommittedVersion int64 `json:"committed_version"`
		HighWater        int64 `json:"high_water"`
		Pending          []struct {
			Version int64 `json:"version"`
		} `json:"pending"`
	}
	// Type errors still leave the fields that did decode.
	_ = json.Unmarshal(data, &raw)

	committed = max(raw.CommittedVersion, 0)
	highWater = max(raw.HighWater, committed)
	for _, p := range raw.Pending {
		highWater = max(highWater, p.Version)
	}
	return committed, highWater
}

func marshalRecord(r *Record) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// ttlSeconds rounds a TTL up to whole seconds.
func ttlSeconds(ttl time.Duration) int64 {
	return max(1, int64(math.Ceil(ttl.Seconds())))
}
