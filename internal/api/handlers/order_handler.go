// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

// OrderHandler is the handler for the order API
type OrderHandler struct {
	executor *service.OrderExecutor
}

// NewOrderHandler creates a new handler for the order API
func NewOrderHandler(executor *service.OrderExecutor) *OrderHandler {
	return &OrderHandler{executor: executor}
}

// PlaceOrder accepts an order request. Submitting the same idempotency
// key and account again returns the existing task unchanged.
func (h *OrderHandler) PlaceOrder(c echo.Context) error {
	var req models.OrderRequest
	if err := c.Bind(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid request body")
	}

	task, err := h.executor.Submit(c.Request().Context(), req)
	if err != nil && task == nil {
		return serviceError(c, err)
	}
	if err != nil {
		// the task exists but was rejected (queue full); surface both
		return response.ErrorResponse(c, http.StatusServiceUnavailable, "ResourceException", err.Error())
	}
	return response.SuccessResponse(c, task)
}

// GetOrderStatus returns the task row for a task id
func (h *OrderHandler) GetOrderStatus(c echo.Context) error {
	taskID := c.Param("task_id")
	task, err := h.executor.Status(taskID)
	if err != nil {
		return serviceError(c, err)
	}
	if task == nil {
		return response.ErrorResponse(c, http.StatusNotFound, "InputException", "Unknown task_id")
	}
	return response.SuccessResponse(c, task)
}

// GetOrderByBrokerID resolves a broker order id to its task, letting
// clients reconcile broker postbacks against submitted tasks
func (h *OrderHandler) GetOrderByBrokerID(c echo.Context) error {
	brokerOrderID := c.Param("broker_order_id")
	task, err := h.executor.StatusByBrokerOrderID(brokerOrderID)
	if err != nil {
		return serviceError(c, err)
	}
	if task == nil {
		return response.ErrorResponse(c, http.StatusNotFound, "InputException", "Unknown broker_order_id")
	}
	return response.SuccessResponse(c, task)
}

// CancelOrderAtBroker forwards a cancel for a placed order to the broker
func (h *OrderHandler) CancelOrderAtBroker(c echo.Context) error {
	brokerOrderID := c.Param("broker_order_id")
	task, err := h.executor.CancelAtBroker(c.Request().Context(), brokerOrderID)
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, task)
}

// CancelOrder requests cancellation of a live task
func (h *OrderHandler) CancelOrder(c echo.Context) error {
	taskID := c.Param("task_id")
	task, err := h.executor.Cancel(taskID)
	if err != nil {
		if service.IsKind(err, service.KindContract) {
			return response.ErrorResponse(c, http.StatusNotFound, "InputException", "Unknown task_id")
		}
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, task)
}

// ListDeadLetters returns the tasks parked after exhausting retries
func (h *OrderHandler) ListDeadLetters(c echo.Context) error {
	tasks, err := h.executor.DeadLetters()
	if err != nil {
		return serviceError(c, err)
	}
	return response.SuccessResponse(c, tasks)
}
