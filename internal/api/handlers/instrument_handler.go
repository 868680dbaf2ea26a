// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

var digitsOnly = regexp.MustCompile(`^\d+$`)

// InstrumentHandler is the handler for the instrument API
type InstrumentHandler struct {
	instruments *service.InstrumentService
}

// NewInstrumentHandler creates a new handler for the instrument API
func NewInstrumentHandler(instruments *service.InstrumentService) *InstrumentHandler {
	return &InstrumentHandler{instruments: instruments}
}

// UpdateInstrumentsResponseData is the response data for the UpdateInstruments endpoint
type UpdateInstrumentsResponseData struct {
	Timestamp string `json:"timestamp"`
	Records   int    `json:"records"`
}

// UpdateInstruments triggers a registry refresh (operator endpoint)
func (h *InstrumentHandler) UpdateInstruments(c echo.Context) error {
	records, err := h.instruments.UpdateInstruments(c.Request().Context())
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, UpdateInstrumentsResponseData{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Records:   records,
	})
}

// QueryInstruments returns instruments matching the given filters
func (h *InstrumentHandler) QueryInstruments(c echo.Context) error {
	var params models.QueryInstrumentsParams
	if err := c.Bind(&params); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid query parameters")
	}
	if len(params.Expiry) > 0 {
		if _, err := time.Parse("2006-01-02", params.Expiry); err != nil {
			return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid `expiry` value, must be a valid date")
		}
	}
	if len(params.Strike) > 0 && !digitsOnly.MatchString(params.Strike) {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid `strike` value, must be digits")
	}

	instruments, err := h.instruments.QueryInstruments(params)
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, instruments)
}

// GetTokens maps EXCHANGE:TRADINGSYMBOL pairs to instrument tokens
func (h *InstrumentHandler) GetTokens(c echo.Context) error {
	symbols := c.QueryParams()["s"]
	if len(symbols) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "`s` is required")
	}
	tokens, err := h.instruments.GetTokensBySymbols(symbols)
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, tokens)
}

// GetOptionChain returns the CE/PE rows for a name and expiry
func (h *InstrumentHandler) GetOptionChain(c echo.Context) error {
	exchange := c.QueryParam("exchange")
	name := c.QueryParam("name")
	expiry := c.QueryParam("expiry")

	instruments, err := h.instruments.GetOptionChain(exchange, name, expiry)
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, instruments)
}

// GetOptionChainNames returns the exchange:name pairs carrying options
// for an expiry
func (h *InstrumentHandler) GetOptionChainNames(c echo.Context) error {
	expiry := c.QueryParam("expiry")
	names, err := h.instruments.GetOptionChainNames(expiry)
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, names)
}
