package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"portal-proxy-go/internal/config"
)

// CORS returns an Echo middleware that sets CORS headers on every response
// and answers OPTIONS requests itself with an empty 200. Register it with
// e.Pre so preflights never reach routing or the upstream.
//
// The request Origin is echoed when present, with credentials allowed;
// otherwise the wildcard origin is used without credentials.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	methods := strings.Join(cfg.AllowMethods, ",")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			h := c.Response().Header()

			origin := req.Header.Get(echo.HeaderOrigin)
			if origin != "" {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Set(echo.HeaderAccessControlAllowCredentials, "true")
			} else {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			}
			h.Set(echo.HeaderAccessControlAllowMethods, methods)
			h.Set(echo.HeaderAccessControlAllowHeaders, headers)

			if req.Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
