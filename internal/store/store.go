package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions, tracked in PRAGMA user_version:
// 0 - containers and meta tables only
// 1 - index on containers.seq
const currentSchemaVersion = 1

// ErrNotFound is returned when a requested container has never been saved.
var ErrNotFound = errors.New("not found")

// ErrNoDatabase is returned by a read-only Open of a path that holds no
// eventsync database.
var ErrNoDatabase = errors.New("no eventsync database")

// Store persists document containers in SQLite. Only the state events
// produced is stored, never the events themselves.
type Store struct {
	db *sql.DB
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	readOnly bool
}

// ReadOnly opens an existing database without creating or migrating it.
// Writes through the returned Store fail.
func ReadOnly() Option {
	return func(c *openConfig) {
		c.readOnly = true
	}
}

// connParams are applied by the driver to every connection.
var connParams = url.Values{
	"_busy_timeout": {"5000"},
	"_foreign_keys": {"on"},
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
}

// dsn builds the go-sqlite3 data source name for path.
func dsn(path string, readOnly bool) string {
	if !readOnly {
		return path + "?" + connParams.Encode()
	}
	params := url.Values{
		"_busy_timeout": {"5000"},
		"mode":          {"ro"},
	}
	return "file:" + path + "?" + params.Encode()
}

// Open opens the SQLite database at path. Unless ReadOnly is given the file
// is created when missing and the schema is brought up to date, so opening
// the same path repeatedly is safe.
func Open(path string, opts ...Option) (*Store, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite3", dsn(path, cfg.readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	// One connection: SQLite has a single writer, and :memory: databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.readOnly {
		if err := checkTables(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates missing tables and runs the numbered migrations.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateToV1,
	}
	for v := version; v < currentSchemaVersion; v++ {
		if err := migrations[v](db); err != nil {
			return err
		}
	}

	if version != currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// migrateToV1 indexes containers by seq for "changed since" reads.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_containers_seq ON containers(seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// checkTables reports ErrNoDatabase unless both eventsync tables exist.
func checkTables(db *sql.DB) error {
	var n int
	err := db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('containers', 'meta')`,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n != 2 {
		return ErrNoDatabase
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
