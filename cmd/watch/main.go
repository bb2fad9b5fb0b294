package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ondemandenv/user-pool/internal/bootstrap"
	"github.com/ondemandenv/user-pool/internal/util"
	"github.com/ondemandenv/user-pool/pkg/graph"
	"github.com/ondemandenv/user-pool/pkg/logger"
	"github.com/ondemandenv/user-pool/pkg/logger/console"

	"golang.org/x/sync/errgroup"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Level:  util.GetEnv("LOG_LEVEL"),
		JSON:   util.GetEnv("LOG_FORMAT") == "json",
		Prefix: "watch",
	})
	logger.Init(consoleLogger)

	ids := util.GetEnvList("BUILD_IDS", nil)
	if len(ids) == 0 {
		logger.Fatal("BUILD_IDS is required")
	}

	rt, err := bootstrap.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load runtime", "err", err)
	}
	defer rt.Close()

	stopWatch := rt.Store.Watch(logEvent)
	defer stopWatch()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Select(ctx, ids); err != nil {
			logger.Error("Initial selection incomplete", "err", err)
		}
		return nil
	})

	if interval := util.GetEnvMillis("WATCH_REFRESH_MS", 0); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := rt.Select(ctx, ids); err != nil {
						logger.Warn("Refresh incomplete", "err", err)
					}
				}
			}
		})
	}

	<-ctx.Done()
	if err := g.Wait(); err != nil {
		logger.Error("Watch stopped", "err", err)
	}
	nodes, edges := rt.Store.Len()
	logger.Info("Shutting down", "nodes", nodes, "edges", edges)
}

func logEvent(ev graph.Event) {
	switch {
	case ev.Node != nil:
		logger.Info("Graph", "event", ev.Type, "node", ev.Node.ID, "label", ev.Node.Label, "subscribed", ev.Node.Subscribed)
	case ev.Edge != nil:
		logger.Info("Graph", "event", ev.Type, "edge", ev.Edge.ID, "label", ev.Edge.Label, "outdated", ev.Edge.Outdated)
	}
}
