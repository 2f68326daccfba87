package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-relays/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Name is the binary name reported by the status endpoint.
type Name string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	name    Name
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, n Name, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, name: n, version: v}
}

type healthResponse struct {
	Status        string `json:"status"`
	KeyConfigured bool   `json:"key_configured"`
}

// Health reports whether the API relay has a credential to inject. It never
// contacts the upstream and is readable cross-origin.
func (h *HealthHandler) Health(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		KeyConfigured: h.cfg.Gemini.KeyConfigured(),
	})
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns build information for the running binary.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    string(h.name),
		"version": string(h.version),
	})
}
