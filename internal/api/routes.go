// Package api contains the API routes for the Tradecore API
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raghurammutya/tradecore/internal/api/handlers"
	"github.com/raghurammutya/tradecore/internal/api/middleware"
	"github.com/raghurammutya/tradecore/internal/config"
	"github.com/raghurammutya/tradecore/internal/metrics"
	"github.com/raghurammutya/tradecore/internal/service"
	"github.com/raghurammutya/tradecore/pkg/utils/response"
)

// Deps carries the wired services the routes are built on
type Deps struct {
	Config      *config.Config
	Supervisor  *service.Supervisor
	Executor    *service.OrderExecutor
	Instruments *service.InstrumentService
	Accounts    *service.AccountService
	Metrics     *metrics.Registry
	PromReg     *prometheus.Registry
}

// SetupRoutes configures the routes for the API
func SetupRoutes(e *echo.Echo, deps Deps) {
	adminHandler := handlers.NewAdminHandler(deps.Supervisor, deps.Accounts)

	// health and metrics are unauthenticated operational surfaces
	e.GET("/health", adminHandler.GetHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(deps.PromReg)))

	api := e.Group("/api")
	api.GET("/", indexRoute)

	auth := middleware.AuthMiddleware(deps.Config.Auth.JWTSecret)
	admin := middleware.AdminMiddleware(deps.Config.Auth.AdminKeyHash)

	// Instrument routes (protected)
	instrumentHandler := handlers.NewInstrumentHandler(deps.Instruments)
	instrumentGroup := api.Group("/instrument")
	instrumentGroup.Use(auth)
	instrumentGroup.GET("/query", instrumentHandler.QueryInstruments)
	instrumentGroup.GET("/tokens", instrumentHandler.GetTokens)

	// Optionchain routes (protected)
	optionchainGroup := api.Group("/instrument/oc")
	optionchainGroup.Use(auth)
	optionchainGroup.GET("", instrumentHandler.GetOptionChain)
	optionchainGroup.GET("/names", instrumentHandler.GetOptionChainNames)

	// Order routes (protected)
	orderHandler := handlers.NewOrderHandler(deps.Executor)
	orderGroup := api.Group("/orders")
	orderGroup.Use(auth)
	orderGroup.POST("", orderHandler.PlaceOrder)
	orderGroup.GET("/by-broker/:broker_order_id", orderHandler.GetOrderByBrokerID)
	orderGroup.DELETE("/by-broker/:broker_order_id", orderHandler.CancelOrderAtBroker)
	orderGroup.GET("/:task_id", orderHandler.GetOrderStatus)
	orderGroup.DELETE("/:task_id", orderHandler.CancelOrder)

	// Stream route: auth happens inside the upgrade handshake
	streamHandler := handlers.NewStreamHandler(deps.Supervisor.Bus(), deps.Supervisor.Reconciler(), deps.Metrics, deps.Config.Auth.JWTSecret)
	api.GET("/stream", streamHandler.ServeStream)

	// Admin routes (operator key)
	adminGroup := api.Group("/admin")
	adminGroup.Use(admin)
	adminGroup.GET("/deadletters", orderHandler.ListDeadLetters)
	adminGroup.GET("/assignments", adminHandler.GetAssignments)
	adminGroup.GET("/accounts", adminHandler.ListAccounts)
	adminGroup.PUT("/accounts/:account_id/policy", adminHandler.SetAccountPolicy)
	adminGroup.DELETE("/accounts/:account_id", adminHandler.DeleteAccount)
	adminGroup.POST("/instruments/update", instrumentHandler.UpdateInstruments)
}

// indexRoute sets up the index route for the API
func indexRoute(c echo.Context) error {
	return response.SuccessResponse(c, "Tradecore API")
}
