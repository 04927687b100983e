package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/avrlink/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryMessages(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrInvalidConfig)
	assert.Equal(t, "Invalid configuration", err.Error())
	assert.Equal(t, errors.ErrInvalidConfig, err.Code())

	wrapped := errFactory.Wrap(errors.ErrReadConfig, fmt.Errorf("boom"))
	assert.Equal(t, "Failed to read config file: boom", wrapped.Error())

	custom := errFactory.WithMessage(errors.ErrorCode("custom_code"), "custom message")
	assert.Equal(t, "custom message", custom.Error())

	withData := errFactory.New(errors.ErrInvalidArgument).WithData("port=0")
	assert.Equal(t, "Invalid argument provided: port=0", withData.Error())
	assert.Equal(t, "port=0", withData.GetData())
}

func TestHasCodeWalksChain(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrTimeout)
	outer := errFactory.Wrap(errors.ErrOperationFailed, fmt.Errorf("context: %w", inner))

	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.True(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(outer, errors.ErrInternal))
	assert.False(t, errors.HasCode(nil, errors.ErrInternal))

	code, ok := errors.CodeOf(outer)
	require.True(t, ok)
	assert.Equal(t, errors.ErrOperationFailed, code)

	_, ok = errors.CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}
