package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm migration.
const (
	DomainLookup     = "runname/lookup/v1"
	DomainIndexEntry = "runname/index-entry/v1"
	DomainPath       = "runname/path/v1"
)

// LookupKeyLen is the length of every LookupKey in hex characters.
const LookupKeyLen = 64

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// LookupKey derives the content identity of a unit of work from the
// parameters that define it. Equal parameter sets always produce equal
// keys, regardless of map iteration order or Unicode normalization form.
func LookupKey(params map[string]any) (string, error) {
	canonical, err := MarshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("LookupKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainLookup, canonical), nil
}

// MustLookupKey is like LookupKey but panics on error.
// Use only in tests or when params are known to be valid.
func MustLookupKey(params map[string]any) string {
	key, err := LookupKey(params)
	if err != nil {
		panic(err)
	}
	return key
}

// NamingKey derives the name-family key from a base name.
// Surrounding whitespace is dropped and the result is NFC normalized so
// that visually identical bases share one counter.
func NamingKey(base string) string {
	return norm.NFC.String(strings.TrimSpace(base))
}

// Checksum hashes a flat record under a domain. It is used to detect torn
// or hand-edited index lines.
func Checksum(domain string, fields map[string]any) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("Checksum: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

// ShardOf returns the first prefixLen hex digits of the key's SHA-256.
// Hashing spreads keys evenly even when callers supply non-hex keys.
func ShardOf(key string, prefixLen int) string {
	if prefixLen <= 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	if prefixLen > len(digest) {
		prefixLen = len(digest)
	}
	return digest[:prefixLen]
}

// maxSlugLen bounds the readable part of a file name.
const maxSlugLen = 48

// FileStem maps an arbitrary key onto a portable file name stem of the form
// "<slug>-<hash16>". The slug keeps the name recognisable; the hash makes
// it unique. The result never contains '.', so a stem plus an extension can
// never collide with another stem's lock file.
func FileStem(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	slug := b.String()
	if slug == "" {
		slug = "key"
	}
	return slug + "-" + hashWithDomain(DomainPath, []byte(key))[:16]
}
