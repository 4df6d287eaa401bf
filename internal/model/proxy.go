// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // path relative to the upstream base, without the /api/ prefix
	RawQuery string
	Header   http.Header
	Body     io.Reader // nil for GET and HEAD
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// Upstream is the single fixed backend every request is forwarded to.
// Origin, Referer and Host always override inbound values.
type Upstream struct {
	BaseURL *url.URL
	Origin  string
	Referer string
	Host    string
}
