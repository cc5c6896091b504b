// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the escaped path below the route prefix, i.e. the joined path segments.
	Path string
	// RawQuery is the inbound query string, copied verbatim.
	RawQuery string
	Header   http.Header
	// Body is nil for GET/HEAD and for empty bodies.
	Body []byte
}

// ProxyResponse is a fully buffered upstream response ready to relay.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamRequest is the outbound request handed to the upstream client.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}
