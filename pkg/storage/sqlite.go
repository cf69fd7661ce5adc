package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to database file. Use ":memory:" for in-memory database.
	Path string

	// Connection pool settings
	MaxOpenConns int
	IdleTimeout  time.Duration

	// SQLite-specific options
	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	BusyTimeout int    // Milliseconds
	ForeignKeys bool
}

// DefaultSQLiteConfig returns defaults for SQLite.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         ":memory:",
		MaxOpenConns: 1, // an in-memory database exists per connection
		IdleTimeout:  30 * time.Second,
		JournalMode:  "WAL",
		BusyTimeout:  5000,
		ForeignKeys:  true,
	}
}

func (c SQLiteConfig) dsn() string {
	var opts []string
	if c.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout))
	}
	if c.JournalMode != "" && c.Path != ":memory:" {
		opts = append(opts, "_journal_mode="+c.JournalMode)
	}
	if c.ForeignKeys {
		opts = append(opts, "_foreign_keys=on")
	}
	if len(opts) == 0 {
		return c.Path
	}
	return c.Path + "?" + strings.Join(opts, "&")
}

// SQLite is a Backend over database/sql and go-sqlite3.
//
// SQLite reads $1, $2 as named parameters numbered by first appearance,
// which is the order the binder emits them in, so positional arguments
// line up. Target-dialect constructs SQLite lacks, such as = ANY($1),
// fail in the engine.
type SQLite struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// NewSQLite opens the database and checks it can be reached.
func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return &SQLite{db: db, path: cfg.Path}, nil
}

// Acquire checks out a dedicated connection.
func (s *SQLite) Acquire(ctx context.Context) (Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteConn{conn: c}, nil
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Stats returns pool statistics.
func (s *SQLite) Stats() Stats {
	st := s.db.Stats()
	return Stats{
		MaxConns:      st.MaxOpenConnections,
		TotalConns:    st.OpenConnections,
		IdleConns:     st.Idle,
		AcquiredConns: st.InUse,
		WaitCount:     st.WaitCount,
	}
}

// Dialect returns "sqlite".
func (s *SQLite) Dialect() string {
	return "sqlite"
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// sqlQuerier is the subset of database/sql shared by *sql.Conn and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqlQuery(ctx context.Context, q sqlQuerier, query string, args []any) (Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func sqlExec(ctx context.Context, q sqlQuerier, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanRows collects rows into maps keyed by column name.
func scanRows(rows *sql.Rows) (Rows, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := Rows{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type sqliteConn struct {
	conn *sql.Conn
}

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return sqlQuery(ctx, c.conn, query, args)
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlExec(ctx, c.conn, query, args)
}

func (c *sqliteConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (c *sqliteConn) Release() {
	c.conn.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return sqlQuery(ctx, t.tx, query, args)
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return sqlExec(ctx, t.tx, query, args)
}

func (t *sqliteTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}
