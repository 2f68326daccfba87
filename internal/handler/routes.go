package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edge-relays/internal/metrics"
)

// RegisterGeminiRoutes wires the API relay routes onto the Echo instance.
// Every path except /health is relayed.
func RegisterGeminiRoutes(e *echo.Echo, gemini *GeminiHandler, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.Any("/*", gemini.Handle)
}

// RegisterObjectRoutes wires the object relay onto the Echo instance. Every
// path is an object key.
func RegisterObjectRoutes(e *echo.Echo, object *ObjectHandler) {
	e.Any("/*", object.Handle)
}

// NewAdminRouter returns the handler for the metrics listener: Prometheus
// metrics plus liveness and status probes.
func NewAdminRouter(m *metrics.Metrics, health *HealthHandler) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	return e
}
