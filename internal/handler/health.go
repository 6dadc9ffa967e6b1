package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"vhost-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":               "ok",
		"version":              string(h.version),
		"listen":               h.cfg.Server.Addr(),
		"upstream":             h.cfg.Upstream.Address(),
		"virtual_host":         h.cfg.Upstream.VirtualHost,
		"verify_upstream_cert": strconv.FormatBool(!h.cfg.Upstream.InsecureSkipVerify),
	})
}
