package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLogger(buf *bytes.Buffer, format Format, level Level) *Logger {
	l := New(Config{DefaultLevel: level, Output: buf, Format: format})
	l.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return l
}

func TestTextFormatSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, FormatText, LevelDebug)

	l.Query().Error("query failed", errors.New("boom"), "query", "SELECT 1", "bindings", []interface{}{"Durham"})

	assert.Equal(t,
		"2024-03-01 09:30:00.000 ERROR [query] query failed error=\"boom\" bindings=[Durham] query=SELECT 1\n",
		buf.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, FormatText, LevelWarn)

	l.Pool().Info("acquired")
	assert.Empty(t, buf.String())

	l.SetLevel(CategoryPool, LevelDebug)
	l.Pool().Debug("acquired")
	assert.Contains(t, buf.String(), "[pool] acquired")

	assert.False(t, Discard().Enabled(CategoryQuery, LevelError))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := fixedLogger(&buf, FormatJSON, LevelInfo)

	ctx := WithRequestID(context.Background(), "req-1")
	l.Registry().Ctx(ctx).WithFields("name", "people.by_chapter").Info("query loaded", "params", 2)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "INFO", got["level"])
	assert.Equal(t, "registry", got["category"])
	assert.Equal(t, "req-1", got["request_id"])
	fields := got["fields"].(map[string]interface{})
	assert.Equal(t, "people.by_chapter", fields["name"])
	assert.Equal(t, float64(2), fields["params"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": LevelDebug, "WARNING": LevelWarn, "": LevelInfo, "off": LevelOff} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)

	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
}
