// Package store is the sole durable state holder. It wraps PostgreSQL with
// the pgvector extension; every write is transactional and all referential
// integrity and uniqueness invariants live here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Store wraps the database handle and the configured embedding dimension.
type Store struct {
	db  *sql.DB
	dim int
}

// Open connects to PostgreSQL and verifies the connection. dim is the
// embedding dimension fixed at install time; maxConns bounds the pool.
func Open(dsn string, dim, maxConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 16
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, dim: dim}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, dim int) *Store {
	return &Store{db: db, dim: dim}
}

// Dimension returns the configured embedding dimension.
func (s *Store) Dimension() int { return s.dim }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UnlockFunc releases an advisory lock and its pinned connection.
type UnlockFunc func()

// TryLock attempts a session-level advisory lock keyed by name. It pins a
// dedicated connection for the lifetime of the lock; callers must invoke the
// returned UnlockFunc. Returns ok=false without error when the lock is held
// elsewhere.
func (s *Store) TryLock(ctx context.Context, name string) (UnlockFunc, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		// Unlock on the same session; a short deadline keeps shutdown bounded.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name)
		conn.Close()
	}
	return unlock, true, nil
}
