package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection and pool settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxConns       int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration

	// Extra connection parameters, e.g. application_name.
	Params map[string]string
}

// DSN renders the configuration as a postgres:// URL.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host,
		Path:   "/" + c.Database,
	}
	if c.Port > 0 {
		u.Host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}

	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c.Params[k] != "" {
			q.Set(k, c.Params[k])
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Postgres is a Backend over a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// NewPostgres creates the pool. Connections are opened lazily, so an
// unreachable server surfaces on the first Acquire or Ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Acquire checks out a pooled connection.
func (p *Postgres) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: c}, nil
}

// Ping checks that a connection can be established.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pool.Ping(ctx)
}

// Stats returns pool statistics.
func (p *Postgres) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		MaxConns:      int(s.MaxConns()),
		TotalConns:    int(s.TotalConns()),
		IdleConns:     int(s.IdleConns()),
		AcquiredConns: int(s.AcquiredConns()),
		AcquireCount:  s.AcquireCount(),
		WaitCount:     s.EmptyAcquireCount(),
	}
}

// Dialect returns "postgres".
func (p *Postgres) Dialect() string {
	return "postgres"
}

// Close closes the pool. It waits for acquired connections to be released.
func (p *Postgres) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.pool.Close()
	return nil
}

// pgQuerier is the subset of pgx shared by pooled connections and
// transactions.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgQuery(ctx context.Context, q pgQuerier, sql string, args []any) (Rows, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make(Rows, len(maps))
	for i, m := range maps {
		out[i] = normalizeRow(m)
	}
	return out, nil
}

func pgExec(ctx context.Context, q pgQuerier, sql string, args []any) (int64, error) {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type pgConn struct {
	conn *pgxpool.Conn
}

func (c *pgConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return pgQuery(ctx, c.conn, sql, args)
}

func (c *pgConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return pgExec(ctx, c.conn, sql, args)
}

func (c *pgConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (c *pgConn) Release() {
	c.conn.Release()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return pgQuery(ctx, t.tx, sql, args)
}

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return pgExec(ctx, t.tx, sql, args)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
