package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// MaxBindParameters is the bind-parameter budget of the underlying
// drivers. No single statement submitted by this package may carry
// more parameters than this.
const MaxBindParameters = 32767

// DefaultBatchSize is the conservative ceiling on rows per batched
// insert, applied after the per-table parameter math.
const DefaultBatchSize = 2500

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// runner is the subset of sql.DB/sql.Tx the query layer needs. All
// entity operations are written once against it and exposed on both
// Store (auto-commit) and Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries implements every read and write against a runner. $1..$N
// placeholders are used throughout; both go-sqlite3 and lib/pq accept
// them, so the SQL body is shared between backends.
type queries struct {
	r      runner
	driver string
}

// Store is the relational store holding agencies, feeds, the GTFS
// domain tables and the async task table.
type Store struct {
	queries
	db *sql.DB
}

// Tx is a transaction over the store. Bulk operations (import, merge,
// split, clone, delete) run inside a single Tx so cooperative
// cancellation can roll back all partial writes.
type Tx struct {
	queries
	tx *sql.Tx
}

// NewSQLiteStore opens (and migrates) a SQLite store. Pass ":memory:"
// for an ephemeral database.
func NewSQLiteStore(path string) (*Store, error) {
	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The importer reopens the connection from multiple goroutines
	// of the worker pool; a second connection to :memory: would see
	// a different database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		queries: queries{r: db, driver: DriverSQLite},
		db:      db,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewPostgresStore opens (and migrates) a Postgres store.
func NewPostgresStore(connStr string) (*Store, error) {
	db, err := sql.Open(DriverPostgres, connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		queries: queries{r: db, driver: DriverPostgres},
		db:      db,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction. All entity operations are available on
// the returned Tx.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{
		queries: queries{r: tx, driver: s.driver},
		tx:      tx,
	}, nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// insertReturningID runs an INSERT and reports the generated
// surrogate id. lib/pq has no LastInsertId, so the Postgres path
// appends RETURNING.
func (q *queries) insertReturningID(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if q.driver == DriverPostgres {
		var id int64
		err := q.r.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
		if err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := q.r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
