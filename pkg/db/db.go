// Package db is the query façade.
//
// Callers hand it origin-dialect query text with named parameters; it
// translates the text, checks out a pooled connection, runs the statement
// and returns rows as maps keyed by column name.
//
//	d, err := db.Open(ctx, cfg)
//	res, err := d.Execute(ctx, db.Query{
//		Text:   "SELECT * FROM `p.d.contacts` WHERE chapter = @chapter",
//		Params: map[string]any{"chapter": "Durham"},
//	})
//	rows := res[0]
//
// Errors raised by the engine are logged with the failing statement and
// returned unchanged. Failures to obtain a connection are returned as coded
// connection errors (see pkg/errors).
package db

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/pgcompat/pkg/config"
	"github.com/ha1tch/pgcompat/pkg/dialect"
	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
	"github.com/ha1tch/pgcompat/pkg/log"
	"github.com/ha1tch/pgcompat/pkg/queries"
	"github.com/ha1tch/pgcompat/pkg/storage"
)

// DefaultConnectTimeout bounds connection acquisition when no timeout is
// configured.
const DefaultConnectTimeout = 2 * time.Second

// Query is origin-dialect text and its named parameters. A nil Params map
// marks a bare string: no binding takes place, but the text is still
// normalised and rewritten.
type Query struct {
	Text   string
	Params map[string]any
}

// SQL returns the bare-string form of text.
func SQL(text string) Query {
	return Query{Text: text}
}

// DB runs translated queries on a storage backend. It is safe for
// concurrent use.
type DB struct {
	backend        storage.Backend
	translator     *dialect.Translator
	registry       *queries.Registry
	watcher        *queries.Watcher
	logger         *log.Logger
	connectTimeout time.Duration

	closed atomic.Bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *DB) {
		d.logger = l
	}
}

// WithTranslator replaces the default translator.
func WithTranslator(t *dialect.Translator) Option {
	return func(d *DB) {
		d.translator = t
	}
}

// WithRegistry sets the named query registry used by ExecuteNamed.
func WithRegistry(r *queries.Registry) Option {
	return func(d *DB) {
		d.registry = r
	}
}

// WithConnectTimeout bounds how long Execute waits for a connection.
// Zero means wait as long as the caller's context allows.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.connectTimeout = timeout
	}
}

// New wraps an existing backend.
func New(backend storage.Backend, opts ...Option) *DB {
	d := &DB{
		backend:        backend,
		translator:     dialect.NewTranslator(),
		logger:         log.Discard(),
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open creates the backend, translator and, when a query directory is
// configured, the named query registry described by cfg. Options are
// applied after the configuration.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		backend, err = storage.NewSQLite(ctx, cfg.SQLiteStorage())
	default:
		backend, err = storage.NewPostgres(ctx, cfg.PostgresStorage())
	}
	if err != nil {
		return nil, pcerrors.Wrap(err, pcerrors.ErrCodeConnectFailed, "failed to open backend").
			WithOp("db.Open").
			WithField("backend", cfg.Backend).
			Err()
	}

	base := []Option{
		WithLogger(cfg.Logger(os.Stderr)),
		WithConnectTimeout(cfg.Pool.ConnectTimeout),
		WithTranslator(dialect.NewTranslator(
			dialect.WithMissingParamPolicy(cfg.MissingParamPolicy()),
			dialect.WithCacheSize(cfg.Translation.CacheSize),
		)),
	}
	d := New(backend, append(base, opts...)...)

	if cfg.Queries.Dir != "" && d.registry == nil {
		reg, err := queries.Load(cfg.Queries.Dir, d.logger)
		if err != nil {
			backend.Close()
			return nil, err
		}
		d.registry = reg

		if cfg.Queries.Watch {
			w, err := queries.NewWatcher(cfg.Queries.Dir, reg, d.logger)
			if err == nil {
				err = w.Start()
			}
			if err != nil {
				backend.Close()
				return nil, pcerrors.Wrap(err, pcerrors.ErrCodeQueryLoad, "failed to watch query directory").
					WithOp("db.Open").
					WithField("path", cfg.Queries.Dir).
					Err()
			}
			d.watcher = w
		}
	}

	d.logger.System().Info("database opened",
		"backend", backend.Dialect(),
		"missing_params", d.translator.Policy().String(),
		"named_queries", d.namedCount(),
	)
	return d, nil
}

func (d *DB) namedCount() int {
	if d.registry == nil {
		return 0
	}
	return d.registry.Count()
}

// Execute translates q, runs it on a pooled connection and returns its
// rows as a one-element slice. A query that fails to translate never
// checks out a connection.
func (d *DB) Execute(ctx context.Context, q Query) ([]storage.Rows, error) {
	queryID, tr, err := d.translate(ctx, q)
	if err != nil {
		return nil, err
	}

	conn, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := d.exec(ctx, conn, queryID, "", q.Text, tr.Text, tr.Args)
	if err != nil {
		return nil, err
	}
	return []storage.Rows{rows}, nil
}

// RawExecute runs text as given, without translation, and returns its rows.
func (d *DB) RawExecute(ctx context.Context, text string, args ...any) (storage.Rows, error) {
	conn, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return d.runRaw(ctx, conn, text, args, "")
}

// ExecuteNamed runs a query from the registry. A nil params map binds every
// parameter according to the missing parameter policy.
func (d *DB) ExecuteNamed(ctx context.Context, name string, params map[string]any) ([]storage.Rows, error) {
	ctx, cancel, q, err := d.named(ctx, name, params)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return d.Execute(ctx, q)
}

// named resolves a registered query and applies its file directives: bare
// queries drop params, timeout bounds ctx, deprecated logs a warning.
func (d *DB) named(ctx context.Context, name string, params map[string]any) (context.Context, context.CancelFunc, Query, error) {
	if d.registry == nil {
		return nil, nil, Query{}, pcerrors.Newf(pcerrors.ErrCodeQueryNotFound,
			"query not found: %s (no query directory configured)", name).
			WithOp("DB.ExecuteNamed").
			WithField("query", name).
			Err()
	}
	nq, err := d.registry.Lookup(name)
	if err != nil {
		return nil, nil, Query{}, err
	}

	q := Query{Text: nq.Text, Params: params}
	switch {
	case nq.Bare():
		q.Params = nil
	case params == nil:
		q.Params = map[string]any{}
	}
	if nq.Deprecated() {
		d.logger.Query().Ctx(ctx).Warn("deprecated query called", "query", nq.Name, "source", nq.SourceFile)
	}

	cancel := context.CancelFunc(func() {})
	if t := nq.Timeout(); t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	}
	return ctx, cancel, q, nil
}

// Ping checks the backend can be reached within the connect timeout.
func (d *DB) Ping(ctx context.Context) error {
	if d.closed.Load() {
		return poolClosed("DB.Ping")
	}
	pctx, cancel := d.acquireContext(ctx)
	defer cancel()
	if err := d.backend.Ping(pctx); err != nil {
		return connectError(ctx, pctx, err, "DB.Ping")
	}
	return nil
}

// Stats returns connection pool statistics.
func (d *DB) Stats() storage.Stats {
	return d.backend.Stats()
}

// Dialect names the backend engine.
func (d *DB) Dialect() string {
	return d.backend.Dialect()
}

// Translator returns the translator used by Execute.
func (d *DB) Translator() *dialect.Translator {
	return d.translator
}

// Registry returns the named query registry, or nil.
func (d *DB) Registry() *queries.Registry {
	return d.registry
}

// Close stops the query watcher and closes the pool. Later calls return
// ErrCodePoolClosed errors.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.logger.System().Info("database closed")
	return d.backend.Close()
}

func (d *DB) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.connectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.connectTimeout)
}

// acquire checks out a connection. Only the wait for the connection is
// bounded by the connect timeout; statements run under ctx.
func (d *DB) acquire(ctx context.Context) (storage.Conn, error) {
	if d.closed.Load() {
		return nil, poolClosed("DB.acquire")
	}

	actx, cancel := d.acquireContext(ctx)
	defer cancel()

	start := time.Now()
	conn, err := d.backend.Acquire(actx)
	if err != nil {
		err = connectError(ctx, actx, err, "DB.acquire")
		d.logger.Pool().Ctx(ctx).Error("connection acquisition failed", err,
			"waited_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	return conn, nil
}

func poolClosed(op string) error {
	return pcerrors.New(pcerrors.ErrCodePoolClosed, "connection pool is closed").
		WithOp(op).
		Err()
}

// connectError classifies a failure to reach the backend. ctx is the
// caller's context and actx the one bounded by the connect timeout.
func connectError(ctx, actx context.Context, err error, op string) error {
	switch {
	case pcerrors.Is(err, storage.ErrClosed):
		return pcerrors.Wrap(err, pcerrors.ErrCodePoolClosed, "connection pool is closed").
			WithOp(op).
			Err()
	case ctx.Err() == nil && actx.Err() == context.DeadlineExceeded:
		return pcerrors.Wrap(err, pcerrors.ErrCodeConnectTimeout, "timed out waiting for a connection").
			WithOp(op).
			Err()
	}
	return pcerrors.Wrap(err, pcerrors.ErrCodeConnectFailed, "failed to obtain a connection").
		WithOp(op).
		Err()
}

// translate assigns q an id and translates it.
func (d *DB) translate(ctx context.Context, q Query) (string, dialect.Translated, error) {
	queryID := uuid.NewString()

	tr, err := d.translator.Translate(q.Text, q.Params)
	if err != nil {
		d.logger.Query().Ctx(ctx).Error("query translation failed", err,
			"query_id", queryID,
			"source", q.Text,
		)
		return "", dialect.Translated{}, err
	}
	return queryID, tr, nil
}

// run translates q and executes it on qr.
func (d *DB) run(ctx context.Context, qr storage.Querier, q Query, txID string) (storage.Rows, error) {
	queryID, tr, err := d.translate(ctx, q)
	if err != nil {
		return nil, err
	}
	return d.exec(ctx, qr, queryID, txID, q.Text, tr.Text, tr.Args)
}

func (d *DB) runRaw(ctx context.Context, qr storage.Querier, text string, args []any, txID string) (storage.Rows, error) {
	return d.exec(ctx, qr, uuid.NewString(), txID, "", text, args)
}

func (d *DB) exec(ctx context.Context, qr storage.Querier, queryID, txID, source, text string, args []any) (storage.Rows, error) {
	fields := []interface{}{"query_id", queryID}
	if txID != "" {
		fields = append(fields, "tx_id", txID)
	}
	logger := d.logger.Query().Ctx(ctx).WithFields(fields...)

	start := time.Now()
	rows, err := qr.Query(ctx, text, args...)
	elapsed := time.Since(start)
	if err != nil {
		extra := []interface{}{"query", text, "bindings", args}
		if source != "" && source != text {
			extra = append(extra, "source", source)
		}
		logger.Error("query failed", err, extra...)
		return nil, err
	}

	logger.Debug("query executed", "query", text, "rows", len(rows))
	d.logger.Performance().Ctx(ctx).Debug("query timing",
		"query_id", queryID,
		"duration_ms", float64(elapsed.Microseconds())/1000,
	)
	return rows, nil
}
