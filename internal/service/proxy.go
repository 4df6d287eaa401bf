// Package service implements the header sanitizer, the single-call proxy and
// the batch dispatcher.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"portal-proxy-go/internal/client"
	"portal-proxy-go/internal/model"
)

// ProxyService forwards requests to the fixed upstream.
type ProxyService struct {
	client   *client.UpstreamClient
	upstream model.Upstream
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService bound to one upstream target.
func NewProxyService(c *client.UpstreamClient, up model.Upstream, logger *slog.Logger) (*ProxyService, error) {
	if up.BaseURL == nil {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	return &ProxyService{
		client:   c,
		upstream: up,
		logger:   logger.With("component", "proxy_service"),
	}, nil
}

// Call performs one upstream call and normalizes the response into a
// CallResult. An empty method means POST. A JSON string body is sent
// verbatim; any other JSON value is sent as JSON text.
//
// The returned error is non-nil only when the upstream could not be reached
// or its body could not be read; a non-JSON response body is returned as text.
func (s *ProxyService) Call(ctx context.Context, path, method string, headers model.HeaderSet, body json.RawMessage) (model.CallResult, error) {
	if method == "" {
		method = http.MethodPost
	}

	out := Sanitize(headers, s.upstream)
	// The body is decoded here, so compression is left to the transport,
	// which only decompresses what it negotiated itself.
	out.Del("Accept-Encoding")

	var reader io.Reader
	if hasBody(body) {
		payload, err := encodeBody(body)
		if err != nil {
			return model.CallResult{}, fmt.Errorf("encode body: %w", err)
		}
		if !out.Has("Content-Type") {
			out.Set("Content-Type", "application/json")
		}
		reader = bytes.NewReader(payload)
	}

	s.logger.Debug("upstream call",
		"method", method,
		"path", path,
	)

	resp, err := s.client.Send(ctx, method, s.buildUpstreamURL(path, ""), out, reader)
	if err != nil {
		return model.CallResult{}, fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CallResult{}, fmt.Errorf("read upstream body: %w", err)
	}

	payload := model.DecodePayload(data)
	if !payload.IsJSON() {
		s.logger.Debug("upstream returned non-JSON body",
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(payload.Text(), 200),
		)
	}

	return model.CallResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 400,
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Body:       payload,
	}, nil
}

// Forward sends a ProxyRequest to the upstream and returns the response with
// hop-by-hop headers removed. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := Sanitize(model.HeaderSetFromHTTP(pr.Header), s.upstream)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Send(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "application/json")
	}
	return resp, nil
}

// buildUpstreamURL joins the base URL and path with exactly one slash.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := strings.TrimRight(s.upstream.BaseURL.String(), "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func hasBody(body json.RawMessage) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// encodeBody returns the bytes sent upstream for a JSON body value.
func encodeBody(body json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// statusText returns the upstream reason phrase, falling back to the
// standard text for the code.
func statusText(resp *model.ProxyResponse) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
