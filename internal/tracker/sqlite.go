package tracker

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE index on records(naming_key, version)
const currentSchemaVersion = 1

// SQLite is a Tracker backed by a SQLite database.
// Uses WAL mode so resolvers can read while a writer creates records.
type SQLite struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

var (
	_ Tracker = (*SQLite)(nil)
	_ Lister  = (*SQLite)(nil)
)

// OpenSQLite creates or opens a SQLite backend at the given path.
// Use ":memory:" for an isolated in-memory database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// A single connection also keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a record. A taken name, or a taken (naming key, version)
// pair, yields ErrNameExists.
func (s *SQLite) Create(ctx context.Context, rec NewRecord) (Record, error) {
	if rec.Name == "" {
		return Record{}, fmt.Errorf("create record: name is required")
	}
	out := Record{
		ID:        s.newID(),
		Name:      rec.Name,
		LookupKey: rec.LookupKey,
		NamingKey: rec.NamingKey,
		Version:   rec.Version,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, name, lookup_key, naming_key, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, out.ID, out.Name, out.LookupKey, out.NamingKey, out.Version, out.CreatedAt.Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return Record{}, fmt.Errorf("create record %q: %w", rec.Name, ErrNameExists)
	}
	if err != nil {
		return Record{}, fmt.Errorf("create record %q: %w", rec.Name, err)
	}
	return out, nil
}

// Resolve returns the first record created for lookupKey.
func (s *SQLite) Resolve(ctx context.Context, lookupKey string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, lookup_key, naming_key, version, created_at
		FROM records
		WHERE lookup_key = ?
		ORDER BY rowid ASC
		LIMIT 1
	`, lookupKey)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resolve %s: %w", lookupKey, err)
	}
	return rec, nil
}

// List calls fn for every record in creation order. Iteration stops at the
// first error fn returns.
func (s *SQLite) List(ctx context.Context, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, lookup_key, naming_key, version, created_at
		FROM records
		ORDER BY rowid ASC
	`)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	// Collect first: fn may call back into the store, and the single
	// connection is busy until rows is closed.
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	rows.Close()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var rec Record
	var createdAt string
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.LookupKey, &rec.NamingKey, &rec.Version, &createdAt); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = t
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 makes (naming_key, version) unique, so two attempts that
// somehow hold the same version can never both create a record.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_naming_version
		ON records(naming_key, version)
		WHERE naming_key <> ''
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
