package db

import (
	"context"
	"errors"
	"sync"

	"github.com/ha1tch/pgcompat/pkg/storage"
)

type call struct {
	sql  string
	args []any
}

// fakeBackend records statements and connection lifecycle events.
type fakeBackend struct {
	mu sync.Mutex

	rows       storage.Rows
	queryErr   error
	acquireErr error
	block      bool // Acquire waits for ctx instead of returning
	beginErr   error
	commitErr  error

	calls     []call
	acquired  int
	released  int
	commits   int
	rollbacks int
	closed    bool
}

func (f *fakeBackend) Acquire(ctx context.Context) (storage.Conn, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, storage.ErrClosed
	}
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return &fakeConn{f: f}, nil
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.acquireErr
}

func (f *fakeBackend) Stats() storage.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storage.Stats{MaxConns: 1, AcquiredConns: f.acquired - f.released}
}

func (f *fakeBackend) Dialect() string { return "fake" }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) record(sql string, args []any) (storage.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sql: sql, args: args})
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeBackend) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeBackend) counts() (released, commits, rollbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released, f.commits, f.rollbacks
}

type fakeConn struct {
	f *fakeBackend
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (storage.Rows, error) {
	return c.f.record(sql, args)
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	rows, err := c.f.record(sql, args)
	return int64(len(rows)), err
}

func (c *fakeConn) Begin(context.Context) (storage.Tx, error) {
	if c.f.beginErr != nil {
		return nil, c.f.beginErr
	}
	return &fakeTx{f: c.f}, nil
}

func (c *fakeConn) Release() {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.released++
}

type fakeTx struct {
	f *fakeBackend
}

func (t *fakeTx) Query(_ context.Context, sql string, args ...any) (storage.Rows, error) {
	return t.f.record(sql, args)
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	rows, err := t.f.record(sql, args)
	return int64(len(rows)), err
}

func (t *fakeTx) Commit(context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.f.commitErr != nil {
		return t.f.commitErr
	}
	t.f.commits++
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if ctx.Err() != nil {
		return errors.New("rollback with cancelled context")
	}
	t.f.rollbacks++
	return nil
}
