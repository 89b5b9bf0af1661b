package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/deepnoodle-ai/workgraph/retry"
)

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a Store kept in a single table of a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	retries int
}

// SQLOption configures an SQLStore.
type SQLOption func(*SQLStore)

// WithTable overrides the table name (default workgraph_kv).
func WithTable(name string) SQLOption {
	return func(s *SQLStore) {
		s.table = name
	}
}

// WithRetries sets how many times transient database errors are retried.
func WithRetries(n int) SQLOption {
	return func(s *SQLStore) {
		s.retries = n
	}
}

// OpenSQLite opens a sqlite database file (or ":memory:").
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return NewSQLStore(ctx, db, DialectSQLite, opts...)
}

// OpenPostgres connects to postgres with a lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string, opts ...SQLOption) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(ctx, db, DialectPostgres, opts...)
}

// NewSQLStore wraps an open database and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, table: "workgraph_kv", retries: 3}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	var schema string
	switch s.dialect {
	case DialectPostgres:
		schema = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table)
	case DialectSQLite:
		schema = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.table)
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	return s.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	})
}

func (s *SQLStore) do(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, fn, retry.WithMaxRetries(s.retries), retry.WithBaseWait(50*time.Millisecond), retry.WithMaxWait(time.Second))
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.table, s.placeholder(1))
	var value []byte
	found := true
	err := s.do(ctx, func() error {
		err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.table, s.placeholder(1), s.placeholder(2), s.placeholder(3))
	err := s.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, s.table, s.placeholder(1))
	err := s.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
