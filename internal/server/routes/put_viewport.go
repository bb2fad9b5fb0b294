package routes

import (
	"net/http"

	"github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/pkg/graph"

	"github.com/labstack/echo/v4"
)

// PutViewportHandler refits the layout to a new drawing area.
func PutViewportHandler(c echo.Context) error {
	type viewportBody struct {
		Width  float64 `json:"width" validate:"required,gt=0"`
		Height float64 `json:"height" validate:"required,gt=0"`
	}

	data := new(viewportBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	app.Store.SetViewport(graph.Viewport{Width: data.Width, Height: data.Height})
	return c.JSON(http.StatusOK, app.Store.Snapshot())
}
