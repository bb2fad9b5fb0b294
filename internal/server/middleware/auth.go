package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ondemandenv/user-pool/pkg/logger"

	"github.com/labstack/echo/v4"
)

const resubscribeTimeout = 30 * time.Second

// AuthMiddleware reads an optional bearer ID token. Requests without one are
// served anonymously; a token that does not verify is rejected. When a token
// signs the viewer in, the graph opens its live subscriptions.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return next(c)
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		app := c.(*AppContext).App
		if app.Session == nil {
			return next(c)
		}

		wasAuthenticated := app.Session.Authenticated()
		if err := app.Session.SetToken(token); err != nil {
			logger.Warn("[Auth] Rejected token", "err", err)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		if !wasAuthenticated && app.Store != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
				defer cancel()
				if err := app.Store.Resubscribe(ctx); err != nil {
					logger.Error("[Auth] Failed to subscribe after sign in", "err", err)
				}
			}()
		}

		return next(c)
	}
}
