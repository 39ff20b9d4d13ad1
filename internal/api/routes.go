package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the API under /api/v1 and the metrics endpoint at
// /metrics.
func RegisterRoutes(e *echo.Echo, h *Handler, metricsHandler http.Handler) {
	g := e.Group("/api/v1")

	g.GET("/health", h.HandleHealthCheck)

	g.POST("/sessions", h.HandleStartSession)
	g.GET("/sessions", h.HandleListSessions)
	g.GET("/sessions/:id", h.HandleGetSession)
	g.POST("/sessions/:id/extend", h.HandleExtendSession)
	g.POST("/sessions/:id/terminate", h.HandleTerminateSession)
	g.POST("/sessions/:id/reset", h.HandleResetSession)

	g.GET("/proxy/resolve", h.HandleResolveProxy)
	// WS /api/v1/proxy/:code/console
	g.GET("/proxy/:code/console", h.HandleConsoleProxy)

	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
}
