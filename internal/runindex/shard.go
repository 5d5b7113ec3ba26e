package runindex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/roach88/runname/internal/keys"
	"github.com/roach88/runname/internal/record"
)

// Schema identifies index shards.
const (
	Schema        = "runname/index"
	SchemaVersion = 1
)

// Entry maps one lookup key to the record created for it.
type Entry struct {
	LookupKey string    `json:"lookup_key"`
	RecordID  string    `json:"record_id"`
	NamingKey string    `json:"naming_key,omitempty"`
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
}

func (e Entry) computeChecksum() (string, error) {
	return keys.Checksum(keys.DomainIndexEntry, map[string]any{
		"lookup_key": e.LookupKey,
		"record_id":  e.RecordID,
		"naming_key": e.NamingKey,
		"version":    e.Version,
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (e Entry) valid() bool {
	if e.LookupKey == "" || e.RecordID == "" || e.Checksum == "" {
		return false
	}
	sum, err := e.computeChecksum()
	return err == nil && sum == e.Checksum
}

// shard is the parsed content of one shard file.
type shard struct {
	entries map[string]Entry
	ordered []Entry

	// exists is false when the file is absent or empty.
	exists bool

	// damaged counts unusable lines, including a bad header.
	damaged int

	// tornTail is set when the file does not end in a newline.
	tornTail bool
}

// clean reports whether a new line can simply be appended.
func (s *shard) clean() bool {
	return s.exists && s.damaged == 0 && !s.tornTail
}

func readShard(path string) (*shard, error) {
	s := &shard{entries: make(map[string]Entry)}
	data, err := os.ReadFile(path)
	if isNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}
	s.exists = true
	s.tornTail = data[len(data)-1] != '\n'

	lines := bytes.Split(data, []byte{'\n'})
	headerSeen := false
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !headerSeen {
			headerSeen = true
			var h record.Header
			if json.Unmarshal(line, &h) == nil && h.Schema != "" {
				if err := h.Check(path, Schema, SchemaVersion); err != nil {
					if record.IsSchemaVersion(err) {
						return nil, err
					}
					s.damaged++
				}
				continue
			}
			// Missing header: count it, then try the line as an entry.
			s.damaged++
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || !e.valid() {
			s.damaged++
			continue
		}
		if _, dup := s.entries[e.LookupKey]; dup {
			// First writer wins; later duplicates can only come from
			// hand edits.
			continue
		}
		s.entries[e.LookupKey] = e
		s.ordered = append(s.ordered, e)
	}
	return s, nil
}

func headerLine() []byte {
	data, _ := json.Marshal(record.Header{Schema: Schema, SchemaVersion: SchemaVersion})
	return append(data, '\n')
}

func entryLine(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

// appendLine adds one line to an existing shard.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewriteShard atomically replaces the shard with a header and entries.
func rewriteShard(path string, entries []Entry) error {
	var buf bytes.Buffer
	buf.Write(headerLine())
	for _, e := range entries {
		line, err := entryLine(e)
		if err != nil {
			return err
		}
		buf.Write(line)
	}
	return record.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
