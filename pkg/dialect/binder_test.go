package dialect

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcerrors "github.com/ha1tch/pgcompat/pkg/errors"
)

func TestBind_FirstOccurrenceOrder(t *testing.T) {
	tmpl := Bind("SELECT * FROM people WHERE status = @status AND (chapter = @chapter OR home_chapter = @chapter)")

	assert.Equal(t, "SELECT * FROM people WHERE status = $1 AND (chapter = $2 OR home_chapter = $2)", tmpl.Text)
	assert.Equal(t, []string{"status", "chapter"}, tmpl.Names)

	args, err := tmpl.Bind(map[string]any{"chapter": "Durham", "status": "active"}, BindNull)
	require.NoError(t, err)
	assert.Equal(t, []any{"active", "Durham"}, args)
}

func TestBind_Skips(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		names []string
	}{
		{
			name:  "no markers",
			input: "SELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "single quoted string",
			input: "SELECT '@literal' AS x FROM t WHERE email LIKE '%@example.org' AND id = @id",
			want:  "SELECT '@literal' AS x FROM t WHERE email LIKE '%@example.org' AND id = $1",
			names: []string{"id"},
		},
		{
			name:  "doubled quote escape",
			input: "SELECT 'it''s @x' AS s, @y",
			want:  "SELECT 'it''s @x' AS s, $1",
			names: []string{"y"},
		},
		{
			name:  "backslash escape",
			input: `SELECT 'a\'@x' AS s, @y`,
			want:  `SELECT 'a\'@x' AS s, $1`,
			names: []string{"y"},
		},
		{
			name:  "backtick identifier",
			input: "SELECT * FROM `p.d.t@v1` WHERE a = @a",
			want:  "SELECT * FROM `p.d.t@v1` WHERE a = $1",
			names: []string{"a"},
		},
		{
			name:  "block comment",
			input: "SELECT * FROM t /* @x */ WHERE a = @y",
			want:  "SELECT * FROM t /* @x */ WHERE a = $1",
			names: []string{"y"},
		},
		{
			name:  "multi-line block comment",
			input: "SELECT @a /* filter on\n @team */ FROM t WHERE b = @b",
			want:  "SELECT $1 /* filter on\n @team */ FROM t WHERE b = $2",
			names: []string{"a", "b"},
		},
		{
			name:  "division is not a comment",
			input: "SELECT total / @n, a/@m",
			want:  "SELECT total / $1, a/$2",
			names: []string{"n", "m"},
		},
		{
			name:  "unterminated block comment",
			input: "SELECT @a /* @b",
			want:  "SELECT $1 /* @b",
			names: []string{"a"},
		},
		{
			name:  "system variable",
			input: "SELECT @@dataset_id, @a",
			want:  "SELECT @@dataset_id, $1",
			names: []string{"a"},
		},
		{
			name:  "line comment",
			input: "SELECT 1 -- filter on @ignored\nFROM t WHERE x = @x",
			want:  "SELECT 1 -- filter on @ignored\nFROM t WHERE x = $1",
			names: []string{"x"},
		},
		{
			name:  "lone sigil",
			input: "SELECT a @ b, @1",
			want:  "SELECT a @ b, @1",
		},
		{
			name:  "adjacent markers",
			input: "VALUES (@a,@b,@a)",
			want:  "VALUES ($1,$2,$1)",
			names: []string{"a", "b"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl := Bind(tc.input)
			assert.Equal(t, tc.want, tmpl.Text)
			assert.Equal(t, tc.names, tmpl.Names)
		})
	}
}

func TestBind_MissingParams(t *testing.T) {
	tmpl := Bind("SELECT * FROM meetings WHERE (@team IS NULL OR team = @team) AND chapter = @chapter")

	args, err := tmpl.Bind(map[string]any{"chapter": "Durham"}, BindNull)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, "Durham"}, args)

	_, err = tmpl.Bind(map[string]any{}, FailOnMissing)
	require.Error(t, err)
	assert.True(t, pcerrors.IsCode(err, pcerrors.ErrCodeMissingParam))
	assert.Equal(t, []string{"team", "chapter"}, pcerrors.GetFields(err)["missing"])
	assert.Contains(t, err.Error(), "team, chapter")
}

func TestBind_ExplicitNilIsNotMissing(t *testing.T) {
	tmpl := Bind("SELECT @a")
	args, err := tmpl.Bind(map[string]any{"a": nil}, FailOnMissing)
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, args)
}

func TestBind_NoParams(t *testing.T) {
	args, err := Bind("SELECT now()").Bind(nil, FailOnMissing)
	require.NoError(t, err)
	assert.NotNil(t, args)
	assert.Empty(t, args)
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// Every occurrence of a name maps to its first-occurrence rank, and the
// number of bindings equals the number of distinct names.
func TestBind_OrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []string{"chapter", "status", "team", "start_date", "end_date", "ids"}

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		refs := make([]string, n)
		parts := []string{"SELECT * FROM t WHERE"}
		for i := range refs {
			refs[i] = pool[rng.Intn(len(pool))]
			parts = append(parts, fmt.Sprintf("c%d = @%s AND", i, refs[i]))
		}
		text := strings.Join(parts, " ") + " TRUE"

		tmpl := Bind(text)

		rank := map[string]int{}
		var distinct []string
		for _, r := range refs {
			if _, ok := rank[r]; !ok {
				distinct = append(distinct, r)
				rank[r] = len(distinct)
			}
		}
		require.Equal(t, distinct, tmpl.Names, text)

		found := placeholderRe.FindAllStringSubmatch(tmpl.Text, -1)
		require.Len(t, found, n, text)
		for i, m := range found {
			idx, _ := strconv.Atoi(m[1])
			assert.Equal(t, rank[refs[i]], idx, "occurrence %d of %q", i, text)
		}

		params := map[string]any{}
		for _, name := range pool {
			params[name] = name + "-value"
		}
		args, err := tmpl.Bind(params, FailOnMissing)
		require.NoError(t, err)
		require.Len(t, args, len(distinct))
		for i, name := range distinct {
			assert.Equal(t, name+"-value", args[i])
		}
	}
}

func TestParseMissingParamPolicy(t *testing.T) {
	p, err := ParseMissingParamPolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, FailOnMissing, p)
	assert.Equal(t, "fail", p.String())

	p, err = ParseMissingParamPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BindNull, p)

	_, err = ParseMissingParamPolicy("ignore")
	assert.Error(t, err)
}
