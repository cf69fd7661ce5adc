package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ha1tch/pgcompat/pkg/dialect"
	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
	"github.com/ha1tch/pgcompat/pkg/log"
	"github.com/ha1tch/pgcompat/pkg/queries"
	"github.com/ha1tch/pgcompat/pkg/storage"
)

func newTestDB(t *testing.T, f *fakeBackend, opts ...Option) (*DB, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.New(log.Config{DefaultLevel: log.LevelInfo, Output: &buf, Format: log.FormatText})
	d := New(f, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(func() { d.Close() })
	return d, &buf
}

func TestExecute_TranslatesAndWraps(t *testing.T) {
	f := &fakeBackend{rows: storage.Rows{{"vanid": int64(7), "chapter": "Durham"}}}
	d, _ := newTestDB(t, f)

	res, err := d.Execute(context.Background(), Query{
		Text:   "SELECT * FROM `p.d.contacts` WHERE chapter = @chapter LIMIT 1",
		Params: map[string]any{"chapter": "Durham"},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, f.rows, res[0])

	c := f.lastCall()
	assert.Equal(t, "SELECT * FROM contacts WHERE chapter = $1 LIMIT 1", c.sql)
	assert.Equal(t, []any{"Durham"}, c.args)

	released, _, _ := f.counts()
	assert.Equal(t, 1, released)
}

func TestExecute_BareString(t *testing.T) {
	f := &fakeBackend{rows: storage.Rows{}}
	d, _ := newTestDB(t, f)

	res, err := d.Execute(context.Background(), SQL("SELECT CURRENT_TIMESTAMP() as now"))
	require.NoError(t, err)
	assert.Equal(t, []storage.Rows{{}}, res)

	c := f.lastCall()
	assert.Equal(t, "SELECT CURRENT_TIMESTAMP as now", c.sql)
	assert.Empty(t, c.args)
}

func TestExecute_ArrayMembership(t *testing.T) {
	f := &fakeBackend{}
	d, _ := newTestDB(t, f)

	_, err := d.Execute(context.Background(), Query{
		Text:   "SELECT * FROM people WHERE vanid IN UNNEST(@ids)",
		Params: map[string]any{"ids": []int{1, 2, 3}},
	})
	require.NoError(t, err)

	c := f.lastCall()
	assert.Equal(t, "SELECT * FROM people WHERE vanid = ANY($1)", c.sql)
	assert.Equal(t, []any{[]int{1, 2, 3}}, c.args)
}

func TestExecute_EngineErrorUnchanged(t *testing.T) {
	engineErr := errors.New(`ERROR: column "chapterr" does not exist (SQLSTATE 42703)`)
	f := &fakeBackend{queryErr: engineErr}
	d, logs := newTestDB(t, f)

	_, err := d.Execute(context.Background(), Query{
		Text:   "SELECT chapterr FROM people WHERE team = @team",
		Params: map[string]any{"team": 4},
	})
	assert.Equal(t, engineErr, err)

	out := logs.String()
	assert.Contains(t, out, "[query] query failed")
	assert.Contains(t, out, "query=SELECT chapterr FROM people WHERE team = $1")
	assert.Contains(t, out, "bindings=[4]")
	assert.Contains(t, out, "query_id=")

	released, _, _ := f.counts()
	assert.Equal(t, 1, released)
}

func TestExecute_MissingParamPolicy(t *testing.T) {
	f := &fakeBackend{}
	d, _ := newTestDB(t, f, WithTranslator(dialect.NewTranslator(dialect.WithMissingParamPolicy(dialect.FailOnMissing))))

	_, err := d.Execute(context.Background(), Query{Text: "SELECT @a", Params: map[string]any{}})
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeMissingParam))
	assert.Empty(t, f.calls, "nothing should reach the engine")
	assert.Equal(t, 0, f.acquired, "no connection for an untranslatable query")

	released, _, _ := f.counts()
	assert.Equal(t, 0, released)
}

func TestExecute_TranslateErrorSkipsPool(t *testing.T) {
	f := &fakeBackend{block: true}
	d, _ := newTestDB(t, f,
		WithConnectTimeout(time.Hour),
		WithTranslator(dialect.NewTranslator(dialect.WithMissingParamPolicy(dialect.FailOnMissing))))

	_, err := d.Execute(context.Background(), Query{Text: "SELECT @a", Params: map[string]any{}})
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeMissingParam))
	assert.Equal(t, 0, f.acquired)
}

func TestExecute_ConnectTimeout(t *testing.T) {
	f := &fakeBackend{block: true}
	d, logs := newTestDB(t, f, WithConnectTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := d.Execute(context.Background(), SQL("SELECT 1"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeConnectTimeout), err.Error())
	assert.True(t, pcerrors.IsConnection(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, logs.String(), "[pool] connection acquisition failed")

	assert.True(t, pcerrors.IsCode(d.Ping(context.Background()), pcerrors.ErrCodeConnectTimeout))
}

func TestExecute_ConnectFailed(t *testing.T) {
	refused := errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	f := &fakeBackend{acquireErr: refused}
	d, _ := newTestDB(t, f)

	_, err := d.Execute(context.Background(), SQL("SELECT 1"))
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeConnectFailed))
	assert.ErrorIs(t, err, refused)

	_, err = d.RawExecute(context.Background(), "SELECT 1")
	assert.True(t, pcerrors.IsConnection(err))
}

func TestExecute_CallerCancelled(t *testing.T) {
	f := &fakeBackend{block: true}
	d, _ := newTestDB(t, f, WithConnectTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Execute(ctx, SQL("SELECT 1"))
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeConnectFailed))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose(t *testing.T) {
	f := &fakeBackend{}
	d, _ := newTestDB(t, f)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, f.closed)

	_, err := d.Execute(context.Background(), SQL("SELECT 1"))
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodePoolClosed))
	err = d.WithTransaction(context.Background(), func(*Tx) error { return nil })
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodePoolClosed))
	assert.True(t, pcerrors.IsCode(d.Ping(context.Background()), pcerrors.ErrCodePoolClosed))
}

func TestRawExecute_NoTranslation(t *testing.T) {
	f := &fakeBackend{rows: storage.Rows{{"n": int64(1)}}}
	d, _ := newTestDB(t, f)

	rows, err := d.RawExecute(context.Background(), "SELECT count(*) AS n FROM `raw` WHERE x = @x AND y = $1", 5)
	require.NoError(t, err)
	assert.Equal(t, f.rows, rows)

	c := f.lastCall()
	assert.Equal(t, "SELECT count(*) AS n FROM `raw` WHERE x = @x AND y = $1", c.sql)
	assert.Equal(t, []any{5}, c.args)
}

func TestExecuteNamed(t *testing.T) {
	reg := queries.NewRegistry()
	require.NoError(t, reg.Register(&queries.Query{
		Name: "people.by_chapter",
		Text: "SELECT * FROM `p.d.people` WHERE chapter = @chapter AND (@team IS NULL OR team = @team)",
	}))

	f := &fakeBackend{}
	d, _ := newTestDB(t, f, WithRegistry(reg))
	assert.Same(t, reg, d.Registry())

	_, err := d.ExecuteNamed(context.Background(), "people.by_chapter", map[string]any{"chapter": "Durham"})
	require.NoError(t, err)
	c := f.lastCall()
	assert.Equal(t, "SELECT * FROM people WHERE chapter = $1 AND ($2 IS NULL OR team = $2)", c.sql)
	assert.Equal(t, []any{"Durham", nil}, c.args)

	// A nil map still binds.
	_, err = d.ExecuteNamed(context.Background(), "people.by_chapter", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil}, f.lastCall().args)

	_, err = d.ExecuteNamed(context.Background(), "people.missing", nil)
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeQueryNotFound))

	noReg, _ := newTestDB(t, &fakeBackend{})
	_, err = noReg.ExecuteNamed(context.Background(), "people.by_chapter", nil)
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeQueryNotFound))
}

func TestStatsAndDialect(t *testing.T) {
	f := &fakeBackend{}
	d, _ := newTestDB(t, f)
	assert.Equal(t, "fake", d.Dialect())
	assert.Equal(t, 1, d.Stats().MaxConns)
	assert.NotNil(t, d.Translator())
	require.NoError(t, d.Ping(context.Background()))
}

func TestExecuteNamed_Directives(t *testing.T) {
	reg := queries.NewRegistry()
	require.NoError(t, reg.Register(&queries.Query{
		Name:        "admin.refresh",
		Text:        "SELECT refresh(@@session)",
		Annotations: queries.Annotations{"bare": ""},
	}))
	require.NoError(t, reg.Register(&queries.Query{
		Name:        "people.old",
		Text:        "SELECT * FROM people WHERE team = @team",
		Annotations: queries.Annotations{"deprecated": "", "timeout": "1ms"},
	}))

	f := &fakeBackend{}
	d, logs := newTestDB(t, f, WithRegistry(reg))

	_, err := d.ExecuteNamed(context.Background(), "admin.refresh", map[string]any{"session": 1})
	require.NoError(t, err)
	assert.Equal(t, "SELECT refresh(@@session)", f.lastCall().sql)
	assert.Empty(t, f.lastCall().args)

	_, err = d.ExecuteNamed(context.Background(), "people.old", map[string]any{"team": 2})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM people WHERE team = $1", f.lastCall().sql)
	assert.Contains(t, logs.String(), "deprecated query called")
	assert.Contains(t, logs.String(), "query=people.old")

	// The directive deadline applies to acquisition too.
	slow := &fakeBackend{block: true}
	d2, _ := newTestDB(t, slow, WithRegistry(reg), WithConnectTimeout(time.Minute))
	_, err = d2.ExecuteNamed(context.Background(), "people.old", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
