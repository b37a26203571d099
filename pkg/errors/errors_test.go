package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad volume")
	assert.Equal(t, "INVALID_INPUT: bad volume", err.Error())

	cause := errors.New("socket closed")
	wrapped := Wrap(cause, ErrCodeNotConnected, "signaling down")
	assert.Contains(t, wrapped.Error(), "socket closed")
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("consumer")

	t.Run("direct", func(t *testing.T) {
		assert.Same(t, appErr, GetAppError(appErr))
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("close-consumer: %w", appErr)
		assert.Same(t, appErr, GetAppError(err))
		assert.True(t, HasCode(err, ErrCodeNotFound))
		assert.False(t, HasCode(err, ErrCodeInternal))
	})

	t.Run("plain", func(t *testing.T) {
		assert.Nil(t, GetAppError(errors.New("boom")))
		assert.False(t, HasCode(errors.New("boom"), ErrCodeNotFound))
	})
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	appErr := NewUnsupportedError("consume")
	assert.Same(t, appErr, FromError(fmt.Errorf("x: %w", appErr)))

	converted := FromError(errors.New("boom"))
	require.NotNil(t, converted)
	assert.Equal(t, ErrCodeInternal, converted.Code)
	assert.Equal(t, "boom", converted.Message)
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
		{ErrCodeUnsupported, http.StatusNotImplemented},
		{ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}
