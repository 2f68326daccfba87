package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-relays/internal/model"
	"edge-relays/internal/service"
)

// ObjectHandler serves objects through the object relay.
type ObjectHandler struct {
	relay  *service.ObjectRelay
	logger *slog.Logger
}

// NewObjectHandler creates an ObjectHandler.
func NewObjectHandler(relay *service.ObjectRelay, logger *slog.Logger) *ObjectHandler {
	return &ObjectHandler{
		relay:  relay,
		logger: logger.With("component", "object_handler"),
	}
}

// Handle translates the request for the relay and streams its response.
func (h *ObjectHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp := h.relay.Serve(&model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.EscapedPath(),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	})
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Body == nil || req.Method == http.MethodHead {
		return nil
	}

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body. Content-Length lets it detect that.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming object body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}
