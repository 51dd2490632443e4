package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/shepherd-fetch/internal/download"
)

// ErrorCode represents API error codes
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrNotAuthenticated  ErrorCode = "NOT_AUTHENTICATED"
	ErrUpstream          ErrorCode = "UPSTREAM_ERROR"
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrUnavailable       ErrorCode = "UNAVAILABLE"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatusCode returns the HTTP status for the error code
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrNotAuthenticated:
		return http.StatusUnauthorized
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrResourceExhausted:
		return http.StatusInsufficientStorage
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorInfo describes a failed request
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// ResponseMeta is attached to every response
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *ErrorInfo    `json:"error,omitempty"`
	Meta    *ResponseMeta `json:"meta"`
}

func newMeta(c *gin.Context) *ResponseMeta {
	requestID := c.GetString(requestIDKey)
	if requestID == "" {
		requestID = "unknown"
	}
	return &ResponseMeta{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// success sends a 200 response with data
func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data, Meta: newMeta(c)})
}

// created sends a 201 response with data
func created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data, Meta: newMeta(c)})
}

// fail sends an error response
func fail(c *gin.Context, code ErrorCode, message string) {
	c.AbortWithStatusJSON(code.HTTPStatusCode(), APIResponse{
		Error: &ErrorInfo{Code: code, Message: message},
		Meta:  newMeta(c),
	})
}

// failWithDetails sends an error response carrying the underlying error
func failWithDetails(c *gin.Context, code ErrorCode, message string, err error) {
	info := &ErrorInfo{Code: code, Message: message}
	if err != nil {
		info.Details = err.Error()
	}
	c.AbortWithStatusJSON(code.HTTPStatusCode(), APIResponse{Error: info, Meta: newMeta(c)})
}

// downloadErrorCode maps download manager errors onto API codes
func downloadErrorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, download.ErrTaskNotFound):
		return ErrNotFound
	case errors.Is(err, download.ErrEmptyURL),
		errors.Is(err, download.ErrEmptyPath),
		errors.Is(err, download.ErrNoURLs):
		return ErrInvalidRequest
	case errors.Is(err, download.ErrTargetInUse):
		return ErrConflict
	case errors.Is(err, download.ErrInsufficientSpace):
		return ErrResourceExhausted
	case errors.Is(err, download.ErrProbeFailed):
		return ErrUpstream
	case errors.Is(err, download.ErrManagerClosed):
		return ErrUnavailable
	default:
		return ErrInternalError
	}
}

// downloadError reports a download manager error
func downloadError(c *gin.Context, message string, err error) {
	failWithDetails(c, downloadErrorCode(err), message, err)
}
