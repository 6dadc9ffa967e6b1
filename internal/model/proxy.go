// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound client request to be relayed upstream.
type ProxyRequest struct {
	Ctx context.Context

	Method string
	// RequestURI is the origin-form target (path plus raw query) exactly as received.
	RequestURI string
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength is -1 when unknown (chunked), 0 when there is no body.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode       int
	Header           http.Header
	TransferEncoding []string
	Body             io.ReadCloser
}
