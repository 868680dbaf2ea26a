// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

// AdminHandler serves the operator surfaces: health, dead letters and
// the account registry
type AdminHandler struct {
	supervisor *service.Supervisor
	accounts   *service.AccountService
}

// NewAdminHandler creates a new handler for the admin API
func NewAdminHandler(supervisor *service.Supervisor, accounts *service.AccountService) *AdminHandler {
	return &AdminHandler{supervisor: supervisor, accounts: accounts}
}

// GetHealth returns the aggregate health snapshot. ok and degraded
// answer 200; critical answers 503 so load balancers can react.
func (h *AdminHandler) GetHealth(c echo.Context) error {
	snapshot := h.supervisor.Snapshot(c.Request().Context())
	if snapshot.Status == service.HealthCritical {
		return c.JSON(http.StatusServiceUnavailable, snapshot)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// GetAssignments reports the reconciler view for debugging
func (h *AdminHandler) GetAssignments(c echo.Context) error {
	return response.SuccessResponse(c, map[string]interface{}{
		"assigned_tokens": h.supervisor.Reconciler().AssignedCount(),
	})
}

// ListAccounts returns the registered accounts ordered by priority
func (h *AdminHandler) ListAccounts(c echo.Context) error {
	accounts, err := h.accounts.List()
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, accounts)
}

// SetAccountPolicyRequest is the body for a mode-policy override
type SetAccountPolicyRequest struct {
	Policy string `json:"policy"`
}

// SetAccountPolicy overrides one account's mode policy at runtime. The
// change is picked up on the next mode evaluation.
func (h *AdminHandler) SetAccountPolicy(c echo.Context) error {
	accountID := c.Param("account_id")
	var req SetAccountPolicyRequest
	if err := c.Bind(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "invalid request body")
	}
	if err := h.accounts.SetPolicy(accountID, req.Policy); err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, map[string]interface{}{
		"account_id": accountID,
		"policy":     req.Policy,
	})
}

// DeleteAccount deregisters an account from the registry
func (h *AdminHandler) DeleteAccount(c echo.Context) error {
	accountID := c.Param("account_id")
	if err := h.accounts.Remove(accountID); err != nil {
		if service.IsKind(err, service.KindContract) {
			return response.ErrorResponse(c, http.StatusNotFound, "InputException", "Unknown account_id")
		}
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, map[string]interface{}{"account_id": accountID})
}
