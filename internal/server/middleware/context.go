package middleware

import (
	"github.com/ondemandenv/user-pool/pkg/auth"
	"github.com/ondemandenv/user-pool/pkg/graph"
	"github.com/ondemandenv/user-pool/pkg/source"

	"github.com/labstack/echo/v4"
)

type App struct {
	Store   *graph.Store
	Source  source.Source
	Session *auth.Session
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
