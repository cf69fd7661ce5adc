package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeCategory(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{ErrCodeConfigInvalid, "configuration"},
		{ErrCodeConnectTimeout, "connection"},
		{ErrCodeMissingParam, "translation"},
		{ErrCodeTxCommit, "execution"},
		{ErrCodeQueryNotFound, "registry"},
		{ErrCodeInternal, "internal"},
		{Code(7001), "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.code.Category())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(context.DeadlineExceeded, ErrCodeConnectTimeout, "acquire timed out").
		WithOp("DB.Execute").
		Err()

	assert.Equal(t, "E2002: DB.Execute: acquire timed out: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrappedLookup(t *testing.T) {
	inner := Newf(ErrCodeMissingParam, "missing parameters: %s", "chapter").
		WithField("missing", []string{"chapter"}).
		Err()
	outer := fmt.Errorf("translate: %w", inner)

	assert.True(t, IsCode(outer, ErrCodeMissingParam))
	assert.True(t, IsCategory(outer, "translation"))
	assert.False(t, IsConnection(outer))
	assert.Equal(t, ErrCodeMissingParam, GetCode(outer))
	require.NotNil(t, GetFields(outer))
	assert.Equal(t, []string{"chapter"}, GetFields(outer)["missing"])
}

func TestPlainErrors(t *testing.T) {
	plain := fmt.Errorf("syntax error at or near \"FROM\"")

	assert.Equal(t, ErrCodeInternal, GetCode(plain))
	assert.False(t, IsCode(plain, ErrCodeInternal))
	assert.False(t, IsConnection(plain))
	assert.Nil(t, GetFields(plain))
}

func TestVerboseFormat(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "invalid port").
		WithField("port", 70000).
		WithField("key", "PGPORT").
		Err()

	assert.Equal(t, "E1001: invalid port\n  key: PGPORT\n  port: 70000", fmt.Sprintf("%+v", err))
	assert.Equal(t, "E1001: invalid port", fmt.Sprintf("%v", err))
}
