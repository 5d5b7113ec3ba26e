package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/roach88/runname/internal/record"
)

const (
	claimSchema        = "runname/lock"
	claimSchemaVersion = 1
)

// claim is the document stored in a lock file.
type claim struct {
	record.Header
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	LeaseMS    int64     `json:"lease_ms"`
}

func (c claim) lease() time.Duration {
	return time.Duration(c.LeaseMS) * time.Millisecond
}

// createExclusive publishes c at path, failing with an fs.ErrExist error if
// a claim is already there.
func createExclusive(path string, c claim) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	data = append(data, '\n')

	// The temp name ends in ".tmp" so it can never be mistaken for a claim.
	tmp := fmt.Sprintf("%s.%s.tmp", path, c.HolderID)
	if err := writeNew(tmp, data); err != nil {
		return fmt.Errorf("write claim: %w", err)
	}
	defer os.Remove(tmp)

	linkErr := os.Link(tmp, path)
	if linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	// No hard links on this filesystem.
	return writeNew(path, data)
}

// writeClaim creates path exclusively with c as its content.
func writeClaim(path string, c claim) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	return writeNew(path, append(data, '\n'))
}

// writeNew creates path exclusively and writes data to it.
func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readClaim loads the claim at path. The file info is returned even when the
// content does not parse, so callers can fall back to the modification time.
func readClaim(path string) (claim, fs.FileInfo, error) {
	var c claim
	info, err := os.Stat(path)
	if err != nil {
		return c, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, info, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, info, &record.CorruptRecordError{Path: path, Reason: "unparsable claim", Err: err}
	}
	if err := c.Header.Check(path, claimSchema, claimSchemaVersion); err != nil {
		return c, info, err
	}
	if c.HolderID == "" {
		return c, info, &record.CorruptRecordError{Path: path, Reason: "claim has no holder"}
	}
	return c, info, nil
}
