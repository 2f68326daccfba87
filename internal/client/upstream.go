// Package client provides the upstream HTTP transport for the API relay.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"edge-relays/internal/config"
	"edge-relays/internal/metrics"
)

// Transport sends relayed requests to the upstream API and records their
// outcome. It never logs the query string, which carries the credential.
type Transport struct {
	base    http.RoundTripper
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewTransport creates a Transport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The timeout bounds the wait for response headers only, so long-running
// streamed responses and tunnelled WebSocket sessions are not cut off.
func NewTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Transport {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Transport{
		base:    base,
		logger:  logger.With("component", "upstream_transport"),
		metrics: m,
	}
}

// RoundTrip executes a single upstream request. The caller is responsible for
// closing the response body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// CloseIdleConnections releases pooled upstream connections.
func (t *Transport) CloseIdleConnections() {
	if ci, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}
