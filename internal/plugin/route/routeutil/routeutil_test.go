package routeutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/stretchr/testify/assert"
)

func TestErrorBody(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthenticated", &registrystore.UnauthenticatedError{}, http.StatusUnauthorized, "unauthenticated"},
		{"validation", &registrystore.ValidationError{Field: "text", Message: "empty"}, http.StatusBadRequest, "validation_error"},
		{"blocked", &registrystore.BlockedError{ConversationID: "c1"}, http.StatusForbidden, "blocked"},
		{"wrapped blocked", fmt.Errorf("append: %w", &registrystore.BlockedError{}), http.StatusForbidden, "blocked"},
		{"forbidden", &registrystore.ForbiddenError{}, http.StatusForbidden, "forbidden"},
		{"not found", &registrystore.NotFoundError{Resource: "conversation", ID: "x"}, http.StatusNotFound, "not_found"},
		{"busy", stream.ErrBusy, http.StatusConflict, "busy"},
		{"closed", stream.ErrClosed, http.StatusGone, "closed"},
		{"conflict", &registrystore.ConflictError{Message: "dup"}, http.StatusConflict, "conflict"},
		{"upload failed", &registryattach.UploadFailedError{Reason: "bucket unreachable"}, http.StatusBadGateway, "upload_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ErrorBody(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["code"])
		})
	}

	_, body := ErrorBody(&registryattach.UploadFailedError{Reason: "bucket unreachable"})
	assert.Equal(t, "bucket unreachable", body["reason"])
	_, body = ErrorBody(errors.New("secret detail"))
	assert.Equal(t, "internal server error", body["error"])
}
