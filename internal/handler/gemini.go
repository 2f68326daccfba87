package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"edge-relays/internal/middleware"
	"edge-relays/internal/service"
)

// MissingKeyMessage is the body returned when no credential is configured.
const MissingKeyMessage = "GEMINI_API_KEY is not set in the relay environment."

// GeminiHandler relays API requests to the generative-AI upstream.
type GeminiHandler struct {
	relay  *service.GeminiRelay
	logger *slog.Logger
}

// NewGeminiHandler creates a GeminiHandler.
func NewGeminiHandler(relay *service.GeminiRelay, logger *slog.Logger) *GeminiHandler {
	return &GeminiHandler{
		relay:  relay,
		logger: logger.With("component", "gemini_handler"),
	}
}

// Handle relays the request and streams the upstream response back. For
// WebSocket upgrades the connection is tunnelled until either side closes.
func (h *GeminiHandler) Handle(c echo.Context) error {
	req := c.Request()

	if middleware.IsUpgrade(req) {
		// The server read timeout would otherwise cut the tunnel.
		rc := http.NewResponseController(c.Response())
		if err := rc.SetReadDeadline(time.Time{}); err != nil {
			h.logger.Debug("clearing read deadline", "err", err)
		}
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			h.logger.Debug("clearing write deadline", "err", err)
		}
	}

	if err := h.relay.Forward(c.Response(), req); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

func (h *GeminiHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrMissingAPIKey) {
		h.logger.Warn("request rejected: credential not configured",
			"path", c.Request().URL.Path,
		)
		return c.String(http.StatusInternalServerError, MissingKeyMessage)
	}

	h.logger.Error("relay error",
		"err", h.relay.Redact(err.Error()),
		"path", c.Request().URL.Path,
	)

	// A failure after the upstream status was sent cannot be reported.
	if c.Response().Committed {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
