// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

// serviceError maps a classified service error onto the response envelope
func serviceError(c echo.Context, err error) error {
	kind := service.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case service.KindContract:
		status = http.StatusBadRequest
	case service.KindAuth:
		status = http.StatusUnauthorized
	case service.KindTransient, service.KindResource:
		status = http.StatusServiceUnavailable
	}
	return response.ErrorResponse(c, status, string(kind), err.Error())
}
