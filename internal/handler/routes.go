package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/", health.Info)
	e.GET("/health", health.Health)

	e.GET("/api/proxy", proxy.Proxy)
	e.Any("/services/:name", proxy.Service)
	e.Any("/services/:name/*", proxy.Service)
}
