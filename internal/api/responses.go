package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/repograde/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data interface{}, apiErr *APIError) {
	c.JSON(status, APIResponse{
		Success:   apiErr == nil,
		Data:      data,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data, nil)
}

// AcceptedResponse sends a 202 Accepted response
func AcceptedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusAccepted, data, nil)
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		respond(c, http.StatusInternalServerError, nil, &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		})
		return
	}

	var statusCode int
	switch appErr.Type {
	case errors.ErrorTypeValidation:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		statusCode = http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		statusCode = http.StatusForbidden
	case errors.ErrorTypeNotFound:
		statusCode = http.StatusNotFound
	case errors.ErrorTypeConflict:
		statusCode = http.StatusConflict
	case errors.ErrorTypeRateLimit, errors.ErrorTypeSecondaryRateLimit:
		statusCode = http.StatusTooManyRequests
	case errors.ErrorTypeTimeout:
		statusCode = http.StatusRequestTimeout
	case errors.ErrorTypeCircuitOpen:
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusInternalServerError
	}

	apiError := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if len(appErr.Details) > 0 {
		apiError.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiError.Details[k] = v
		}
	}
	respond(c, statusCode, nil, apiError)
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, nil, &APIError{Code: "UNAUTHORIZED", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, nil, &APIError{Code: "NOT_FOUND", Message: message})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	respond(c, http.StatusInternalServerError, nil, &APIError{Code: "INTERNAL_ERROR", Message: message})
}
