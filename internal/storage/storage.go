// Package storage is the durable key-value backend behind the Result
// Cache: a hash maps to an opaque JSON blob, with a SQLite implementation
// as the default embedded backend and Postgres as the optional scaled-out
// one, dispatched the way the teacher's internal/database package
// dispatches on cfg.Type.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Backend selects the durable implementation behind Store.
type Backend string

const (
	Postgres Backend = "postgres"
	SQLite   Backend = "sqlite"
)

// Config configures a Store's connection.
type Config struct {
	Backend  Backend
	DSN      string
	MaxConns int
	MinConns int
}

// Store is the hash -> JSON-blob table the Result Cache persists to.
// Exactly one of pool (postgres) or sqlDB (sqlite) is non-nil.
type Store struct {
	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	backend Backend
	logger  *zap.Logger
}

// New opens a Store and ensures its schema exists.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	switch cfg.Backend {
	case Postgres:
		return newPostgres(cfg, logger)
	case SQLite:
		return newSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

func newPostgres(cfg Config, logger *zap.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{pool: pool, backend: Postgres, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("storage: postgres connection established", zap.Int("max_conns", cfg.MaxConns))
	}
	return s, nil
}

func newSQLite(cfg Config, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{sqlDB: db, backend: SQLite, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("storage: sqlite connection established", zap.String("dsn", cfg.DSN))
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	var ddl string
	switch s.backend {
	case Postgres:
		ddl = `CREATE TABLE IF NOT EXISTS result_cache_entries (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	case SQLite:
		ddl = `CREATE TABLE IF NOT EXISTS result_cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	}
	return s.exec(ctx, ddl)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s.backend == Postgres {
		_, err := s.pool.Exec(ctx, query, args...)
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, query, args...)
	return err
}

// Get returns the stored value for key, or found=false if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	query := "SELECT value FROM result_cache_entries WHERE key = " + s.placeholder(1)
	if s.backend == Postgres {
		err = s.pool.QueryRow(ctx, query, key).Scan(&value)
	} else {
		err = s.sqlDB.QueryRowContext(ctx, query, key).Scan(&value)
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, true, nil
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	var query string
	switch s.backend {
	case Postgres:
		query = `INSERT INTO result_cache_entries (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	case SQLite:
		query = `INSERT INTO result_cache_entries (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	}
	if err := s.exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key, if present. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := "DELETE FROM result_cache_entries WHERE key = " + s.placeholder(1)
	if err := s.exec(ctx, query, key); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes every entry last updated before cutoff, used by
// the Result Cache's TTL sweeper.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM result_cache_entries WHERE updated_at < " + s.placeholder(1)
	if s.backend == Postgres {
		tag, err := s.pool.Exec(ctx, query, cutoff)
		if err != nil {
			return 0, fmt.Errorf("storage: sweep: %w", err)
		}
		return tag.RowsAffected(), nil
	}
	res, err := s.sqlDB.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) placeholder(n int) string {
	if s.backend == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Ping verifies the underlying connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.backend == Postgres {
		return s.pool.Ping(ctx)
	}
	return s.sqlDB.PingContext(ctx)
}

// Close releases the underlying connection.
func (s *Store) Close() {
	if s.backend == Postgres {
		if s.pool != nil {
			s.pool.Close()
		}
	} else if s.sqlDB != nil {
		s.sqlDB.Close()
	}
	if s.logger != nil {
		s.logger.Info("storage: connection closed", zap.String("backend", string(s.backend)))
	}
}
