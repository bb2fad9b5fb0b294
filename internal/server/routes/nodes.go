package routes

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/pkg/graph"

	"github.com/labstack/echo/v4"
)

// nodeID returns the :id path parameter. Ids contain slashes, so clients
// send them path-escaped.
func nodeID(c echo.Context) string {
	id, err := url.PathUnescape(c.Param("id"))
	if err != nil {
		return c.Param("id")
	}
	return id
}

func nodeError(c echo.Context, err error) error {
	if errors.Is(err, graph.ErrUnknownNode) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Node not found"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// GetNodeHandler returns tooltip, detail fields, menu and parameters of a
// node.
func GetNodeHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	details, err := app.Store.Details(nodeID(c))
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

// TogglePhysicsHandler flips the physics flag of a node, or sets it when the
// body carries an explicit value.
func TogglePhysicsHandler(c echo.Context) error {
	type physicsBody struct {
		Enabled *bool `json:"enabled"`
	}

	data := new(physicsBody)
	if c.Request().ContentLength > 0 {
		if err := c.Bind(data); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		}
	}

	app := c.(*middleware.AppContext).App
	node, err := app.Store.TogglePhysics(nodeID(c), data.Enabled)
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, node)
}

// DragNodeHandler records the position a node was dropped at. The node
// keeps it across layout passes.
func DragNodeHandler(c echo.Context) error {
	type dragBody struct {
		X *float64 `json:"x" validate:"required"`
		Y *float64 `json:"y" validate:"required"`
	}

	data := new(dragBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	node, err := app.Store.Drag(nodeID(c), *data.X, *data.Y)
	if err != nil {
		return nodeError(c, err)
	}
	return c.JSON(http.StatusOK, node)
}
