// Package sqlstore implements backend.Backend on top of database/sql.
//
// The SQL drivers (duckdb, postgres) differ only in placeholder style,
// DDL and the "latest row per device" query; those live in a Dialect.
// Everything else (multi-row inserts, scanning nullable columns,
// transactions, pruning) is shared here.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
)

var log = logging.Component("sqlstore")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// DSN is the database connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Dialect captures what differs between SQL engines.
type Dialect struct {
	// Name is reported by Store.Name.
	Name string

	// DriverName is passed to sql.Open.
	DriverName string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// Schema is executed in order by Migrate. Statements must be
	// idempotent.
	Schema []string

	// LatestQuery selects sampleColumns of the newest row per device,
	// ordered by device id.
	LatestQuery string

	// PruneTxOptions is used for the select-then-delete transaction of
	// Prune. Nil uses the driver default.
	PruneTxOptions *sql.TxOptions
}

// QuestionMark is the placeholder style of DuckDB and SQLite.
func QuestionMark(int) string { return "?" }

// Dollar is the placeholder style of PostgreSQL.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// =============================================================================
// Store
// =============================================================================

// Store provides sample persistence over database/sql.
//
// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
	closed  bool
}

// Open connects using the dialect's driver, verifies the connection and
// applies the schema.
func Open(ctx context.Context, cfg Config, d Dialect) (*Store, error) {
	db, err := sql.Open(d.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w: %w", errors.ErrStoreUnavailable, err)
	}

	s := NewWithDB(db, d)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "driver", d.Name)
	return s, nil
}

// NewWithDB wraps an existing connection without migrating. Used by
// tests with sqlmock.
func NewWithDB(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Migrate applies the dialect's schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Name returns the dialect name.
func (s *Store) Name() string {
	return s.dialect.Name
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrStoreUnavailable, err)
	}
	return nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes a function within a database transaction.
//
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (s *Store) TransactionContext(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
