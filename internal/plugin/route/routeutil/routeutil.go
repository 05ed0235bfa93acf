// Package routeutil holds request parsing and error mapping shared by the /v1 routes.
package routeutil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrorBody maps err to an HTTP status and a JSON body with a stable "code".
func ErrorBody(err error) (int, gin.H) {
	var unauthenticated *registrystore.UnauthenticatedError
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var blocked *registrystore.BlockedError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var uploadFailed *registryattach.UploadFailedError

	switch {
	case errors.As(err, &unauthenticated):
		return http.StatusUnauthorized, gin.H{"code": "unauthenticated", "error": err.Error()}
	case errors.As(err, &validation):
		return http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field}
	case errors.As(err, &blocked):
		return http.StatusForbidden, gin.H{
			"code":               "blocked",
			"error":              err.Error(),
			"blockedBySender":    blocked.Status.Sender,
			"blockedByRecipient": blocked.Status.Recipient,
		}
	case errors.As(err, &forbidden):
		return http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()}
	case errors.As(err, &notFound):
		return http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()}
	case errors.Is(err, stream.ErrBusy):
		return http.StatusConflict, gin.H{"code": "busy", "error": err.Error()}
	case errors.Is(err, stream.ErrClosed):
		return http.StatusGone, gin.H{"code": "closed", "error": err.Error()}
	case errors.As(err, &conflict):
		body := gin.H{"code": "conflict", "error": err.Error()}
		if conflict.Code != "" {
			body["code"] = conflict.Code
		}
		return http.StatusConflict, body
	case errors.As(err, &uploadFailed):
		return http.StatusBadGateway, gin.H{"code": "upload_failed", "error": err.Error(), "reason": uploadFailed.Reason}
	default:
		return http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"}
	}
}

// HandleError writes the mapped error response. Unmapped errors are logged.
func HandleError(c *gin.Context, err error) {
	status, body := ErrorBody(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, body)
}

// BadRequest writes a validation error for a malformed request.
func BadRequest(c *gin.Context, field, message string) {
	HandleError(c, &registrystore.ValidationError{Field: field, Message: message})
}

func QueryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

// QueryInt returns the integer query parameter, or def when absent or malformed.
func QueryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// ConversationID parses the :conversationId path parameter, writing a 404 when it
// is not a UUID.
func ConversationID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("conversationId")
	id, err := uuid.Parse(raw)
	if err != nil {
		HandleError(c, &registrystore.NotFoundError{Resource: "conversation", ID: raw})
		return uuid.Nil, false
	}
	return id, true
}
