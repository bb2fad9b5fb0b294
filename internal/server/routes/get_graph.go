package routes

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/pkg/graph"
	"github.com/ondemandenv/user-pool/pkg/logger"

	"github.com/labstack/echo/v4"
)

// eventBuffer is how far a stream client may fall behind before it is
// disconnected and has to reload the snapshot.
const eventBuffer = 512

func GetGraphHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	return c.JSON(http.StatusOK, app.Store.Snapshot())
}

// StreamGraphEventsHandler streams newline delimited JSON: first the
// snapshot, then every graph event in order.
func StreamGraphEventsHandler(c echo.Context) error {
	type streamLine struct {
		Type     string          `json:"type"`
		Snapshot *graph.Snapshot `json:"snapshot,omitempty"`
		Event    *graph.Event    `json:"event,omitempty"`
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	events := make(chan graph.Event, eventBuffer)
	lagged := make(chan struct{})
	var once sync.Once
	snap, stop := app.Store.WatchSnapshot(func(ev graph.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(lagged) })
		}
	})
	defer stop()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	if err := enc.Encode(streamLine{Type: "snapshot", Snapshot: &snap}); err != nil {
		return nil
	}
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lagged:
			logger.Warn("[Server] Event stream client lagging, closing stream")
			return nil
		case ev := <-events:
			if err := enc.Encode(streamLine{Type: "event", Event: &ev}); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
