package routes

import (
	"net/http"

	"github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/pkg/logger"

	"github.com/labstack/echo/v4"
)

// PutSelectionHandler replaces the set of displayed builds: the builds are
// queried by id and the graph is reconciled against the result.
func PutSelectionHandler(c echo.Context) error {
	type selectionBody struct {
		BuildIDs []string `json:"buildIds" validate:"required,dive,required"`
	}

	type selectionResponse struct {
		Message string `json:"message"`
		Builds  int    `json:"builds"`
		Nodes   int    `json:"nodes"`
		Edges   int    `json:"edges"`
		Warning string `json:"warning,omitempty"`
	}

	data := new(selectionBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, selectionResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, selectionResponse{
			Message: "Invalid request body",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	entities, err := app.Source.QueryBuilds(ctx, data.BuildIDs)
	if err != nil {
		logger.Error("[Server] Failed to query builds", "ids", data.BuildIDs, "err", err)
		return c.JSON(http.StatusBadGateway, selectionResponse{
			Message: "Failed to query builds",
		})
	}

	resp := selectionResponse{Message: "Selection updated", Builds: len(entities)}
	if err := app.Store.Reconcile(ctx, entities); err != nil {
		// the graph is consistent; only live subscriptions are incomplete
		logger.Warn("[Server] Reconciled with subscription errors", "err", err)
		resp.Warning = err.Error()
	}
	resp.Nodes, resp.Edges = app.Store.Len()
	return c.JSON(http.StatusOK, resp)
}
