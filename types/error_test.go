package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrServiceUnavailable, "ledger down").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	assert.Equal(t, ErrServiceUnavailable, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[SERVICE_UNAVAILABLE] ledger down: root", err.Error())
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewInvalidRequestError("texts must not be empty")
	wrapped := fmt.Errorf("handler: %w", inner)

	e, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, e)
	assert.Equal(t, ErrInvalidRequest, GetErrorCode(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, "[INVALID_REQUEST] texts must not be empty", inner.Error())
}

func TestError_PlainErrors(t *testing.T) {
	t.Parallel()

	plain := errors.New("plain")
	_, ok := AsError(plain)
	assert.False(t, ok)
	assert.Equal(t, ErrorCode(""), GetErrorCode(plain))
	assert.False(t, IsRetryable(plain))

	internal := NewInternalError("boom", plain)
	assert.Equal(t, ErrInternalError, internal.Code)
	assert.ErrorIs(t, internal, plain)
}
