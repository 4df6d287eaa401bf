// Package handler provides the Echo handlers for the passthrough proxy, the
// batch endpoint and health checks.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portal-proxy-go/internal/config"
	"portal-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, batch *BatchHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	gw := Gateway(cfg.Batch.Route, proxy, batch)
	e.Any("/api/*", gw)
	e.Any("/*", gw)
}

// Gateway sends POSTs to the batch route to the batch handler and every other
// request to the passthrough proxy.
func Gateway(batchRoute string, proxy *ProxyHandler, batch *BatchHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		rest, ok := apiPath(c.Request().URL)
		if ok && rest == batchRoute && c.Request().Method == http.MethodPost {
			return batch.Handle(c)
		}
		return proxy.Handle(c)
	}
}
