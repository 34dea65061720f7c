// ABOUTME: Tests for the error taxonomy helpers
// ABOUTME: Covers wrapping, retryability and HTTP status mapping

package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("%w: appending: %w", ErrTransient, context.DeadlineExceeded)))
	assert.False(t, IsRetryable(fmt.Errorf("%w: empty text", ErrValidation)))
	assert.False(t, IsRetryable(nil))
}

func TestCodeAndStatus(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("%w: self pair", ErrInvalidArgument), "invalid_argument", http.StatusBadRequest},
		{fmt.Errorf("%w: empty text", ErrValidation), "validation", http.StatusBadRequest},
		{fmt.Errorf("%w: message m1", ErrNotFound), "not_found", http.StatusNotFound},
		{fmt.Errorf("%w: sender", ErrPermission), "permission", http.StatusForbidden},
		{fmt.Errorf("%w: unbound", ErrIllegalState), "illegal_state", http.StatusConflict},
		{fmt.Errorf("%w: timeout", ErrTransient), "transient", http.StatusServiceUnavailable},
		{errors.New("boom"), "internal", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}
