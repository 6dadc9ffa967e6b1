package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes sends every method and path on the proxy listener upstream.
// Any covers only Echo's built-in method list; the RouteNotFound handlers catch
// every other method (MKCOL, PURGE, custom tokens) before Echo answers 405.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metrics http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if metrics != nil {
		e.GET(metricsPath, echo.WrapHandler(metrics))
	}
}
