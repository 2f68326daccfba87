package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx/fxtest"

	"edge-relays/internal/config"
	"edge-relays/internal/metrics"
	"edge-relays/internal/middleware"
	"edge-relays/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", BodyMaxBytes: 1024},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := testConfig()
			cfg.Log.Level = tt.level
			logger := NewLogger(cfg)
			if !logger.Enabled(context.Background(), tt.want) {
				t.Errorf("level %v not enabled", tt.want)
			}
			if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-1) {
				t.Errorf("level below %v enabled", tt.want)
			}
		})
	}
}

func TestNewEcho_OuterMiddlewareSeesPanics(t *testing.T) {
	cors := &model.CORSPolicy{AllowOrigin: "*"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEcho(testConfig(), logger, metrics.New("test"), Options{
		Outer: []echo.MiddlewareFunc{middleware.CORS(cors)},
	})
	e.GET("/panic", func(echo.Context) error { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/panic", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected X-Request-Id on response")
	}
}

func TestNewEcho_BodyLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEcho(testConfig(), logger, metrics.New("test"), Options{})
	e.POST("/upload", func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", io.LimitReader(zeroReader{}, 4096))
	req.ContentLength = 4096
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestStart_ServesAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = freePort(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := NewEcho(cfg, logger, metrics.New("test"), Options{})
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	lc := fxtest.NewLifecycle(t)
	Start(lc, e, cfg, logger)
	lc.RequireStart()

	resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port)) + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("body = %q, want %q", body, "pong")
	}

	lc.RequireStop()
}

func TestStartAdmin_DisabledRegistersNothing(t *testing.T) {
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	lc := fxtest.NewLifecycle(t)
	StartAdmin(lc, http.NotFoundHandler(), cfg, logger)
	lc.RequireStart()
	lc.RequireStop()
}

func TestStartAdmin_Serves(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics = config.MetricsConfig{
		Enabled: true,
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t))),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	admin := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "admin")
	})

	lc := fxtest.NewLifecycle(t)
	StartAdmin(lc, admin, cfg, logger)
	lc.RequireStart()
	defer lc.RequireStop()

	resp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "admin" {
		t.Errorf("body = %q, want %q", body, "admin")
	}
}
