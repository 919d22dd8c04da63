package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/errors"
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

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, data, nil)
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		respond(c, http.StatusInternalServerError, nil, &APIError{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred",
		})
		return
	}

	var status int
	switch appErr.Type {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		status = http.StatusUnauthorized
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeTimeout:
		status = http.StatusRequestTimeout
	case errors.ErrorTypeUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	if appErr.Code == "NOT_INITIALIZED" {
		status = http.StatusServiceUnavailable
	}

	apiErr := &APIError{Code: appErr.Code, Message: appErr.Message}
	if len(appErr.Details) > 0 {
		apiErr.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiErr.Details[k] = v
		}
	}
	respond(c, status, nil, apiErr)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, nil, &APIError{Code: "BAD_REQUEST", Message: message})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	ErrorResponseFromError(c, errors.NewAuthenticationError(message))
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, resource string) {
	ErrorResponseFromError(c, errors.NewNotFoundError(resource))
}
