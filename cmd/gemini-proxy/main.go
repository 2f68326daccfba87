package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"edge-relays/internal/client"
	"edge-relays/internal/config"
	"edge-relays/internal/handler"
	"edge-relays/internal/metrics"
	"edge-relays/internal/server"
	"edge-relays/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Path prefixes reported in metrics labels.
var pathPrefixes = []string{"/health", "/v1beta", "/v1alpha", "/v1", "/ws", "/upload"}

type cli struct {
	config.CLI `kong:"embed"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("gemini-proxy"),
		kong.Description("Relay for the Gemini API that injects the server-held API key."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &c.CLI },
			func() handler.Version { return handler.Version(version) },
			func() handler.Name { return "gemini-proxy" },
			func() *metrics.Metrics { return metrics.New("gemini_proxy", pathPrefixes...) },
			config.Load,
			server.NewLogger,
			newEcho,
			newTransport,
			service.NewGeminiRelay,
			handler.NewGeminiHandler,
			handler.NewHealthHandler,
			handler.NewAdminRouter,
		),
		fx.Invoke(handler.RegisterGeminiRoutes, server.WarnConfigPermissions, warnMissingKey, server.Start, server.StartAdmin),
	).Run()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	return server.NewEcho(cfg, logger, m, server.Options{})
}

func newTransport(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) http.RoundTripper {
	t := client.NewTransport(cfg, logger, m)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			t.CloseIdleConnections()
			return nil
		},
	})
	return t
}

func warnMissingKey(cfg *config.Config, logger *slog.Logger) {
	if !cfg.Gemini.KeyConfigured() {
		logger.Warn("GEMINI_API_KEY is not set; relayed requests will fail until it is configured")
	}
}
