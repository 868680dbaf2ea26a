// Package response defines the JSON envelope every Tradecore API
// endpoint replies with.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Response is the wire envelope. Success replies carry data; error
// replies carry the error type (the service-layer kind, e.g.
// InputException) and a human-readable message.
type Response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType string      `json:"error_type,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// SuccessResponse writes a 200 envelope wrapping data
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Status: statusSuccess, Data: data})
}

// ErrorResponse writes an error envelope with the given HTTP status
func ErrorResponse(c echo.Context, httpStatus int, errorType, message string) error {
	return c.JSON(httpStatus, Response{
		Status:    statusError,
		ErrorType: errorType,
		Message:   message,
	})
}
