package middleware

import (
	"net/http"

	"github.com/damacus/drive-index/internal/utils"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

// CSRF issues a token cookie on safe requests and requires it back in the
// X-CSRF-Token header on unsafe ones. Scrapers and metrics are skipped.
func CSRF() echo.MiddlewareFunc {
	return echoMiddleware.CSRFWithConfig(echoMiddleware.CSRFConfig{
		TokenLookup:    "header:" + utils.CSRFHeader,
		CookieName:     utils.CSRFCookieName,
		CookiePath:     "/",
		CookieHTTPOnly: false,
		CookieSameSite: http.SameSiteStrictMode,
		Skipper: func(c echo.Context) bool {
			switch c.Request().URL.Path {
			case "/health", "/metrics":
				return true
			}
			return false
		},
	})
}
