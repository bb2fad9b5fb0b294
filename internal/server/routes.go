package server

import (
	"github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Graph routes
	apiRoutes.GET("/graph", routes.GetGraphHandler)
	apiRoutes.GET("/graph/events", routes.StreamGraphEventsHandler)
	apiRoutes.PUT("/selection", routes.PutSelectionHandler)
	apiRoutes.PUT("/viewport", routes.PutViewportHandler)

	// Node routes
	apiRoutes.GET("/nodes/:id", routes.GetNodeHandler)
	apiRoutes.POST("/nodes/:id/physics", routes.TogglePhysicsHandler)
	apiRoutes.POST("/nodes/:id/drag", routes.DragNodeHandler)
}
