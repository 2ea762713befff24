package middleware

import (
	"net/http"

	"github.com/damacus/drive-index/internal/logging"
	"github.com/damacus/drive-index/internal/services"
	"github.com/damacus/drive-index/internal/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Credentials decodes the unlock cookie and stores the credential map in the
// context. A cookie that does not open is cleared and the request continues
// with no credentials: every path stays locked until unlocked again.
func Credentials(crypto *services.CryptoService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			creds := services.Credentials{}

			cookie, err := c.Cookie(utils.CookieName)
			if err == nil && cookie.Value != "" {
				if err := crypto.OpenJSON(cookie.Value, &creds); err != nil {
					logging.WithContext(c.Request().Context()).Debug("discarding unreadable unlock cookie", zap.Error(err))
					creds = services.Credentials{}
					c.SetCookie(ExpiredUnlockCookie())
				}
			}

			c.Set(utils.ContextKeyCredentials, creds)
			return next(c)
		}
	}
}

// CredentialsFrom returns the credentials stored by Credentials, or an empty
// map when the middleware did not run.
func CredentialsFrom(c echo.Context) services.Credentials {
	if creds, ok := c.Get(utils.ContextKeyCredentials).(services.Credentials); ok && creds != nil {
		return creds
	}
	return services.Credentials{}
}

// UnlockCookie builds the cookie carrying the sealed credential map.
func UnlockCookie(c echo.Context, value string) *http.Cookie {
	return &http.Cookie{
		Name:     utils.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecureRequest(c),
		SameSite: http.SameSiteLaxMode,
	}
}

// ExpiredUnlockCookie deletes the unlock cookie.
func ExpiredUnlockCookie() *http.Cookie {
	return &http.Cookie{
		Name:     utils.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
