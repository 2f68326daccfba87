package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"edge-relays/internal/client"
	"edge-relays/internal/config"
	"edge-relays/internal/service"
)

func newTestGeminiHandler(t *testing.T, baseURL, apiKey string, logger *slog.Logger) *GeminiHandler {
	t.Helper()
	cfg := &config.Config{
		Gemini: config.GeminiConfig{APIKey: apiKey},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	relay, err := service.NewGeminiRelayForTest(cfg, client.NewTransport(cfg, logger, nil), logger)
	if err != nil {
		t.Fatalf("NewGeminiRelayForTest: %v", err)
	}
	return NewGeminiHandler(relay, logger)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGeminiHandler_Handle_InjectsKey(t *testing.T) {
	var gotKey atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query()["key"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer upstream.Close()

	h := newTestGeminiHandler(t, upstream.URL, "server-key", discardLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models?key=client-key", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	keys, _ := gotKey.Load().([]string)
	if len(keys) != 1 || keys[0] != "server-key" {
		t.Errorf("upstream key = %v, want [server-key]", keys)
	}
	if rec.Body.String() != `{"models":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGeminiHandler_Handle_MissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	h := newTestGeminiHandler(t, upstream.URL, "", discardLogger())

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		e := echo.New()
		req := httptest.NewRequest(method, "/v1beta/models/gemini-pro:generateContent", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.Handle(c); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: status = %d, want %d", method, rec.Code, http.StatusInternalServerError)
		}
		if rec.Body.String() != MissingKeyMessage {
			t.Errorf("%s: body = %q, want %q", method, rec.Body.String(), MissingKeyMessage)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("%s: Content-Type = %q, want text/plain", method, ct)
		}
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("upstream called %d times without a credential", n)
	}
}

func TestGeminiHandler_Handle_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	baseURL := upstream.URL
	upstream.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newTestGeminiHandler(t, baseURL, "super-secret-value", logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if strings.Contains(rec.Body.String(), "super-secret-value") {
		t.Errorf("credential leaked in error body: %s", rec.Body.String())
	}
	if strings.Contains(logs.String(), "super-secret-value") {
		t.Errorf("credential leaked into logs: %s", logs.String())
	}
}

func TestGeminiHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestGeminiHandler(t, upstream.URL, "server-key", discardLogger())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestGeminiHandler_mapError(t *testing.T) {
	h := newTestGeminiHandler(t, config.DefaultUpstreamURL, "secret123", discardLogger())

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "deadline",
			err:        fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "upstream request timed out",
		},
		{
			name:       "dns",
			err:        fmt.Errorf("forward to upstream: %w", &net.DNSError{Err: "no such host", Name: "generativelanguage.googleapis.com"}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream host unreachable",
		},
		{
			name:       "dial",
			err:        fmt.Errorf("forward to upstream: %w", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream connection failed",
		},
		{
			name:       "other",
			err:        errors.New(`forward to upstream: Get "https://x/?key=secret123": EOF`),
			wantStatus: http.StatusBadGateway,
			wantError:  "upstream request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if strings.Contains(rec.Body.String(), "secret123") {
				t.Errorf("credential leaked in error body: %s", rec.Body.String())
			}
		})
	}
}

func TestGeminiHandler_WebSocketTunnel(t *testing.T) {
	var gotKey atomic.Value
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	h := newTestGeminiHandler(t, upstream.URL, "server-key", discardLogger())
	e := echo.New()
	RegisterGeminiRoutes(e, h, NewHealthHandler(&config.Config{}, "gemini-proxy", "test"))
	relay := httptest.NewServer(e)
	defer relay.Close()

	wsURL := "ws" + strings.TrimPrefix(relay.URL, "http") +
		"/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=client-key"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("handshake status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	for _, msg := range []string{`{"setup":{}}`, `{"clientContent":{}}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		mt, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt != websocket.TextMessage || string(got) != "echo:"+msg {
			t.Errorf("ReadMessage() = %d %q, want text %q", mt, got, "echo:"+msg)
		}
	}

	if key, _ := gotKey.Load().(string); key != "server-key" {
		t.Errorf("upstream handshake key = %q, want %q", key, "server-key")
	}
}

func TestGeminiHandler_WebSocketMissingKey(t *testing.T) {
	h := newTestGeminiHandler(t, config.DefaultUpstreamURL, "", discardLogger())
	e := echo.New()
	RegisterGeminiRoutes(e, h, NewHealthHandler(&config.Config{}, "gemini-proxy", "test"))
	relay := httptest.NewServer(e)
	defer relay.Close()

	wsURL := "ws" + strings.TrimPrefix(relay.URL, "http") + "/ws/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial() expected handshake failure without a credential")
	}
	if resp == nil || resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("handshake response = %v, want 500", resp)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != MissingKeyMessage {
		t.Errorf("body = %q, want %q", body, MissingKeyMessage)
	}
}
