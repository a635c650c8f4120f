package apierrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{NewValidationError("bad input"), http.StatusBadRequest},
		{NewUnauthorizedError(""), http.StatusUnauthorized},
		{NewForbiddenError(""), http.StatusForbidden},
		{NewNotFoundError("app"), http.StatusNotFound},
		{NewConflictError("app %q already exists", "web"), http.StatusConflict},
		{NewUnavailableError(""), http.StatusServiceUnavailable},
		{NewInternalError("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "authentication required", NewUnauthorizedError("").Error())
	assert.Equal(t, "access denied", NewForbiddenError("").Error())
	assert.Equal(t, "app not found", NewNotFoundError("app").Error())
	assert.Equal(t, "custom", NewForbiddenError("custom").Error())
}

func TestWithCauseKeepsMessage(t *testing.T) {
	sentinel := errors.New("branch missing")
	err := NewValidationError("branch %q not found", "dev").WithCause(sentinel)

	assert.Equal(t, `branch "dev" not found`, err.Error())
	assert.ErrorIs(t, err, sentinel)
}

func TestStatusResolvesWrappedTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("create failed: %w", NewConflictError("app exists"))

	status, msg := Status(wrapped)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "app exists", msg)
}

func TestStatusPassesThroughPlainErrors(t *testing.T) {
	status, msg := Status(errors.New("exit code 1: step 3/4 failed"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "exit code 1: step 3/4 failed", msg)
}
