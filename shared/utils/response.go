package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// User-facing messages never reveal whether a tenant, slug or account exists.
const (
	MsgNotAuthorized      = "not authorized"
	MsgProvisionFailed    = "failed to create brewery, try again"
	MsgServiceUnavailable = "service temporarily unavailable"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		RequestID: c.GetString(RequestIDKey),
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, APIResponse{
		Success:   false,
		Error:     message,
		RequestID: c.GetString(RequestIDKey),
	})
}

// AbortWithError writes an error envelope with a machine-readable code and stops the chain.
func AbortWithError(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, APIResponse{
		Success:   false,
		Error:     message,
		Code:      code,
		RequestID: c.GetString(RequestIDKey),
	})
}

// ErrorFromKind maps a typed failure to a response. Untyped errors become 500s.
func ErrorFromKind(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, msg := statusFor(kind)

	entry := logrus.WithFields(logrus.Fields{
		"request_id": c.GetString(RequestIDKey),
		"kind":       string(kind),
		"path":       c.FullPath(),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request rejected")
	}

	AbortWithError(c, status, string(kind), msg)
}

func statusFor(kind apperr.Kind) (int, string) {
	switch kind {
	case apperr.KindAuthenticationFailure, apperr.KindTokenInvalid, apperr.KindTokenExpired:
		return http.StatusUnauthorized, MsgNotAuthorized
	case apperr.KindNoTenantAccess, apperr.KindPermissionDenied:
		return http.StatusForbidden, MsgNotAuthorized
	case apperr.KindTenantResolutionFailure:
		return http.StatusBadRequest, "tenant context required"
	case apperr.KindInvalidInput:
		return http.StatusBadRequest, "invalid request"
	case apperr.KindNotFound:
		return http.StatusNotFound, "not found"
	case apperr.KindSlugCollision, apperr.KindProvisioningFailure:
		return http.StatusInternalServerError, MsgProvisionFailed
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable, MsgServiceUnavailable
	}
	return http.StatusInternalServerError, "internal error"
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusBadRequest, message)
}

// InternalServerErrorResponse sends a 500 Internal Server Error response
func InternalServerErrorResponse(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, message)
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, message string, data interface{}) {
	SuccessResponse(c, http.StatusCreated, message, data)
}

// OKResponse sends a 200 OK response
func OKResponse(c *gin.Context, message string, data interface{}) {
	SuccessResponse(c, http.StatusOK, message, data)
}
