// Package storage provides the connection pools pgcompat executes on.
//
// A Backend hands out Conns. A Conn runs statements directly or inside a
// Tx, and must be released exactly once. Two backends exist: Postgres
// (pgxpool) for production and SQLite (database/sql) for embedded use
// and tests.
//
// Statement text reaching this package is already in the target dialect.
// Errors raised by the engine are returned unwrapped.
package storage

import (
	"context"
	"errors"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Rows is a result set.
type Rows []Row

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("storage: backend closed")

// Querier runs statements.
type Querier interface {
	// Query runs a statement and collects every row it returns.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Conn is a connection checked out of a Backend.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	// Release returns the connection to its pool.
	Release()
}

// Tx is an open transaction on a Conn.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is a connection pool.
type Backend interface {
	// Acquire checks out a connection, blocking until one is free or ctx
	// is done.
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Stats() Stats
	// Dialect names the engine, "postgres" or "sqlite".
	Dialect() string
	Close() error
}

// Stats is a snapshot of pool usage.
type Stats struct {
	MaxConns      int   `json:"max_conns"`
	TotalConns    int   `json:"total_conns"`
	IdleConns     int   `json:"idle_conns"`
	AcquiredConns int   `json:"acquired_conns"`
	AcquireCount  int64 `json:"acquire_count"`
	WaitCount     int64 `json:"wait_count"`
}
