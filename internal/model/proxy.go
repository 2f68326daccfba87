// Package model defines the request and response records shared by the relays.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound request as seen by a relay.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string // escaped form, as sent by the client
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse is the response a relay hands back to the HTTP layer.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header

	// Body is nil for responses without content. The HTTP layer closes it.
	Body io.ReadCloser
}
