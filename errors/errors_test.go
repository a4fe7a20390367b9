package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_keepsKind(t *testing.T) {
	err := Wrap(ErrNotFound, "name alice.chain")
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrNetwork))
	assert.Equal(t, "name alice.chain: not found", err.Error())

	err = fmt.Errorf("resolving: %w", err)
	assert.True(t, Is(err, ErrNotFound))
}

func TestWrap_nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "nothing"))
}

func TestWrap_stackOnce(t *testing.T) {
	err := Wrap(ErrValidation, "inner")
	assert.True(t, hasStack(err))
	err = Wrap(err, "outer")
	assert.Equal(t, "outer: inner: validation error", err.Error())
	assert.True(t, Is(err, ErrValidation))
}

func TestKind(t *testing.T) {
	err := Kind(ErrConfiguration, "node or nonce must be provided for %s", "ak_1")
	assert.True(t, Is(err, ErrConfiguration))
	assert.Equal(t, "node or nonce must be provided for ak_1: configuration error", err.Error())
}
