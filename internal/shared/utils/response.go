package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orris-inc/meshnode/internal/shared/errors"
)

// APIResponse represents a standard API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorInfo represents error information in API response
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse sends a successful response with custom status code
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	response := APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	}

	c.JSON(statusCode, response)
}

// ErrorResponse sends an error response with custom status code and message
func ErrorResponse(c *gin.Context, statusCode int, message string) {
	errorInfo := ErrorInfo{
		Type:    "error",
		Message: message,
	}

	response := APIResponse{
		Success: false,
		Error:   &errorInfo,
	}

	c.JSON(statusCode, response)
}

// ErrorResponseWithError sends an error response based on error type
func ErrorResponseWithError(c *gin.Context, err error) {
	nodeErr := errors.GetNodeError(err)
	if nodeErr == nil {
		// do not leak internal error details
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error occurred")
		return
	}

	response := APIResponse{
		Success: false,
		Error: &ErrorInfo{
			Type:    string(nodeErr.Type),
			Message: nodeErr.Message,
			Details: nodeErr.Details,
		},
	}
	c.JSON(statusCodeFor(nodeErr.Type), response)
}

func statusCodeFor(t errors.ErrorType) int {
	switch t {
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeProtocol:
		return http.StatusBadRequest
	case errors.ErrorTypeStopped, errors.ErrorTypeRetryExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
