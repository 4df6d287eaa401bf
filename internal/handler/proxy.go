package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"portal-proxy-go/internal/client"
	"portal-proxy-go/internal/model"
	"portal-proxy-go/internal/service"
)

const apiPrefix = "/api/"

// errorResponse is the JSON error body returned by the proxy itself.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// apiPath strips the /api/ prefix from an inbound path. ok reports whether
// the inbound path contains /api/ at all.
func apiPath(u *url.URL) (rest string, ok bool) {
	p := u.EscapedPath()
	if strings.HasPrefix(p, apiPrefix) {
		return p[len(apiPrefix):], true
	}
	return strings.TrimLeft(p, "/"), strings.Contains(p, apiPrefix)
}

// ProxyHandler relays inbound requests to the upstream portal.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	rest, ok := apiPath(req.URL)
	if rest == "" && !ok {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "No path specified"})
	}

	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return h.mapError(c, err)
		}
		body = bytes.NewReader(data)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     rest,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent, so a failed copy can only truncate
	// the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", rest,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:   errorClass(err),
		Details: err.Error(),
	})
}

// errorClass names the kind of transport failure for the client.
func errorClass(err error) string {
	if client.IsTimeout(err) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "upstream connection failed"
	}

	return "upstream request failed"
}
