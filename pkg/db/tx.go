package db

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
	"github.com/ha1tch/pgcompat/pkg/storage"
)

// Tx runs queries inside a transaction opened by WithTransaction. It is
// only valid until the transaction function returns.
type Tx struct {
	db   *DB
	tx   storage.Tx
	id   string
	done atomic.Bool
}

// ID returns the transaction's identifier as it appears in logs.
func (t *Tx) ID() string {
	return t.id
}

// Execute translates q and runs it inside the transaction.
func (t *Tx) Execute(ctx context.Context, q Query) ([]storage.Rows, error) {
	if err := t.check("Tx.Execute"); err != nil {
		return nil, err
	}
	rows, err := t.db.run(ctx, t.tx, q, t.id)
	if err != nil {
		return nil, err
	}
	return []storage.Rows{rows}, nil
}

// RawExecute runs text as given inside the transaction.
func (t *Tx) RawExecute(ctx context.Context, text string, args ...any) (storage.Rows, error) {
	if err := t.check("Tx.RawExecute"); err != nil {
		return nil, err
	}
	return t.db.runRaw(ctx, t.tx, text, args, t.id)
}

// ExecuteNamed runs a registered query inside the transaction.
func (t *Tx) ExecuteNamed(ctx context.Context, name string, params map[string]any) ([]storage.Rows, error) {
	ctx, cancel, q, err := t.db.named(ctx, name, params)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return t.Execute(ctx, q)
}

func (t *Tx) check(op string) error {
	if t.done.Load() {
		return pcerrors.New(pcerrors.ErrCodeInternal, "transaction already finished").
			WithOp(op).
			WithField("tx_id", t.id).
			Err()
	}
	return nil
}

// WithTransaction runs fn inside a transaction on a single connection.
//
// The transaction commits if fn returns nil and rolls back otherwise; fn's
// error is returned unchanged. If fn panics the transaction is rolled back
// and the panic continues. The connection is released exactly once on
// every path.
func (d *DB) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	txID := ulid.Make().String()
	logger := d.logger.Pool().Ctx(ctx).WithFields("tx_id", txID)

	stx, err := conn.Begin(ctx)
	if err != nil {
		logger.Error("begin failed", err)
		return pcerrors.Wrap(err, pcerrors.ErrCodeTxBegin, "failed to begin transaction").
			WithOp("DB.WithTransaction").
			WithField("tx_id", txID).
			Err()
	}

	tx := &Tx{db: d, tx: stx, id: txID}
	start := time.Now()
	logger.Debug("transaction started")

	// Rollback must run even when ctx is already cancelled.
	rollback := func() error {
		return stx.Rollback(context.WithoutCancel(ctx))
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		tx.done.Store(true)
		if rbErr := rollback(); rbErr != nil {
			logger.Error("rollback after panic failed", rbErr)
		}
		logger.Error("transaction rolled back after panic",
			pcerrors.Newf(pcerrors.ErrCodeTxPanic, "panic: %v", p).Err())
		panic(p)
	}()

	if err := fn(tx); err != nil {
		tx.done.Store(true)
		if rbErr := rollback(); rbErr != nil {
			logger.Error("rollback failed", rbErr)
		}
		logger.Debug("transaction rolled back", "error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds())
		return err
	}

	tx.done.Store(true)
	if err := stx.Commit(ctx); err != nil {
		logger.Error("commit failed", err)
		return pcerrors.Wrap(err, pcerrors.ErrCodeTxCommit, "failed to commit transaction").
			WithOp("DB.WithTransaction").
			WithField("tx_id", txID).
			Err()
	}
	logger.Debug("transaction committed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// InTransaction is WithTransaction for functions that produce a value.
// The zero value is returned on failure.
func InTransaction[T any](ctx context.Context, d *DB, fn func(tx *Tx) (T, error)) (T, error) {
	var out T
	err := d.WithTransaction(ctx, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
