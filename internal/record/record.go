package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Header is the schema marker at the top of every persisted document.
type Header struct {
	Schema        string `json:"schema"`
	SchemaVersion int    `json:"schema_version"`
}

// Check validates h against the expected schema and the newest version
// this build understands.
func (h Header) Check(path, schema string, maxVersion int) error {
	if h.Schema != schema {
		return &CorruptRecordError{Path: path, Reason: fmt.Sprintf("schema %q, want %q", h.Schema, schema)}
	}
	if h.SchemaVersion < 1 {
		return &CorruptRecordError{Path: path, Reason: fmt.Sprintf("invalid schema_version %d", h.SchemaVersion)}
	}
	if h.SchemaVersion > maxVersion {
		return &SchemaVersionError{Path: path, Schema: schema, Found: h.SchemaVersion, Supported: maxVersion}
	}
	return nil
}

// CorruptRecordError reports a persisted file that failed to parse or
// validate. Readers treat it as missing; writers repair it.
type CorruptRecordError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt record %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt record %s: %s", e.Path, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error {
	return e.Err
}

// IsCorrupt returns true if err is a CorruptRecordError.
// Uses errors.As to handle wrapped errors.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}

// SchemaVersionError reports a document written by a newer format version.
type SchemaVersionError struct {
	Path      string
	Schema    string
	Found     int
	Supported int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("%s: %s schema_version %d is newer than supported version %d",
		e.Path, e.Schema, e.Found, e.Supported)
}

// IsSchemaVersion returns true if err is a SchemaVersionError.
func IsSchemaVersion(err error) bool {
	var se *SchemaVersionError
	return errors.As(err, &se)
}

// WriteFileAtomic replaces path with data. The parent directory is created
// if needed. On any failure the previous content of path is left untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes a rename durable where the platform supports it.
// Failures are ignored: some filesystems refuse to fsync directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Quarantine moves an unreadable file aside so it can be inspected later,
// and returns the new path.
func Quarantine(path string, now time.Time) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", path, now.UnixNano())
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	return dest, nil
}
