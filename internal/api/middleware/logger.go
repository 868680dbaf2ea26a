// Package middleware provides the middleware for the Echo instance
package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// SetupLoggerMiddleware attaches request logging and panic recovery.
// The access log stays on Echo's own logger rather than zap: it is
// per-request plumbing, not an engine event, and keeping it out of the
// _app_logs table avoids drowning the operational log in request noise.
func SetupLoggerMiddleware(e *echo.Echo) {
	e.Use(echomw.LoggerWithConfig(echomw.LoggerConfig{
		Format: "${time_rfc3339} ${method} ${uri} status=${status} latency=${latency_human} ip=${remote_ip} error=${error}\n",
	}))
	e.Use(echomw.Recover())
}
