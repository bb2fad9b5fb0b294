package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ondemandenv/user-pool/internal/bootstrap"
	"github.com/ondemandenv/user-pool/internal/server"
	mid "github.com/ondemandenv/user-pool/internal/server/middleware"
	"github.com/ondemandenv/user-pool/internal/util"
	"github.com/ondemandenv/user-pool/pkg/logger"
	"github.com/ondemandenv/user-pool/pkg/logger/console"

	"golang.org/x/sync/errgroup"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
		Level: util.GetEnv("LOG_LEVEL"),
		JSON:  util.GetEnv("LOG_FORMAT") == "json",
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load runtime", "err", err)
	}
	defer rt.Close()

	e := server.New(&mid.App{
		Store:   rt.Store,
		Source:  rt.Source,
		Session: rt.Session,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, e, util.GetEnvString("PORT", "8080"))
	})
	if ids := util.GetEnvList("BUILD_IDS", nil); len(ids) > 0 {
		g.Go(func() error {
			// subscription failures are retried on the next reconnect
			if err := rt.Select(ctx, ids); err != nil {
				logger.Error("Initial selection incomplete", "ids", ids, "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped", "err", err)
	}
}
