// Package service implements the relay logic behind the HTTP handlers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"edge-relays/internal/config"
)

// ErrMissingAPIKey is returned when the relay has no credential to inject.
var ErrMissingAPIKey = errors.New("gemini api key is not configured")

// KeyParam is the query parameter that carries the credential upstream.
const KeyParam = "key"

const redacted = "[REDACTED]"

// keyPattern matches key query parameter values in URLs embedded in messages.
var keyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// allowedUpstreamHosts restricts which hosts the relay will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// GeminiRelay forwards requests to the generative-AI API with the
// server-held credential injected.
type GeminiRelay struct {
	apiKey   string
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger
}

// NewGeminiRelay creates a GeminiRelay that sends upstream traffic through
// transport.
func NewGeminiRelay(cfg *config.Config, transport http.RoundTripper, logger *slog.Logger) (*GeminiRelay, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newGeminiRelay(cfg, u, transport, logger), nil
}

// NewGeminiRelayForTest creates a GeminiRelay without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewGeminiRelayForTest(cfg *config.Config, transport http.RoundTripper, logger *slog.Logger) (*GeminiRelay, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newGeminiRelay(cfg, u, transport, logger), nil
}

func newGeminiRelay(cfg *config.Config, u *url.URL, transport http.RoundTripper, logger *slog.Logger) *GeminiRelay {
	logger = logger.With("component", "gemini_relay")
	g := &GeminiRelay{
		apiKey:   cfg.Gemini.APIKey,
		upstream: u,
		logger:   logger,
	}

	g.proxy = &httputil.ReverseProxy{
		Rewrite:        g.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: g.modifyResponse,
		ErrorHandler:   recordError,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return g
}

// KeyConfigured reports whether a credential is available.
func (g *GeminiRelay) KeyConfigured() bool {
	return g.apiKey != ""
}

// Target returns the upstream URL for an inbound request URL. Path, path
// escaping and query are preserved; every inbound key parameter is replaced
// by the credential.
func (g *GeminiRelay) Target(in *url.URL) *url.URL {
	u := *g.upstream
	u.Path = strings.TrimSuffix(g.upstream.Path, "/") + in.Path
	u.RawPath = ""
	if in.RawPath != "" {
		u.RawPath = strings.TrimSuffix(g.upstream.EscapedPath(), "/") + in.RawPath
	}
	u.RawQuery = injectKey(in.RawQuery, g.apiKey)
	u.Fragment = ""
	return &u
}

type errorSlot struct{}

// Forward relays r to the upstream and writes the upstream response to w.
// WebSocket upgrades are tunnelled without frame interpretation. An error is
// returned only when nothing has been written to w yet.
func (g *GeminiRelay) Forward(w http.ResponseWriter, r *http.Request) error {
	if !g.KeyConfigured() {
		return ErrMissingAPIKey
	}

	var proxyErr error
	ctx := context.WithValue(r.Context(), errorSlot{}, &proxyErr)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))

	if proxyErr != nil {
		return fmt.Errorf("forward to upstream: %w", proxyErr)
	}
	return nil
}

// Redact removes the credential from s.
func (g *GeminiRelay) Redact(s string) string {
	if g.apiKey != "" {
		s = strings.ReplaceAll(s, g.apiKey, redacted)
	}
	return RedactKeyParam(s)
}

// RedactKeyParam redacts key query parameter values from URLs embedded in s.
func RedactKeyParam(s string) string {
	return keyPattern.ReplaceAllString(s, "${1}"+redacted)
}

func (g *GeminiRelay) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL = g.Target(pr.In.URL)
	pr.Out.Host = ""

	g.logger.Debug("forwarding request",
		"method", pr.In.Method,
		"path", pr.In.URL.Path,
		"upgrade", pr.In.Header.Get("Upgrade"),
	)
}

func (g *GeminiRelay) modifyResponse(resp *http.Response) error {
	if g.apiKey == "" {
		return nil
	}
	for name, vals := range resp.Header {
		for i, v := range vals {
			if strings.Contains(v, g.apiKey) {
				vals[i] = strings.ReplaceAll(v, g.apiKey, redacted)
				g.logger.Warn("redacted credential from upstream response header", "header", name)
			}
		}
	}
	return nil
}

// recordError hands a proxy error back to Forward through the request context.
func recordError(_ http.ResponseWriter, r *http.Request, err error) {
	if slot, ok := r.Context().Value(errorSlot{}).(*error); ok && *slot == nil {
		*slot = err
	}
}

// injectKey drops every key parameter from rawQuery, keeping the other
// parameters byte for byte in their original order, and appends the credential.
func injectKey(rawQuery, apiKey string) string {
	var b strings.Builder
	for part := range strings.SplitSeq(rawQuery, "&") {
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil && n == KeyParam {
			continue
		}
		b.WriteString(part)
		b.WriteByte('&')
	}
	b.WriteString(KeyParam)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(apiKey))
	return b.String()
}
