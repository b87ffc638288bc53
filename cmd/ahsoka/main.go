package main

import (
	"context"
	"os/signal"
	"syscall"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/ahsoka"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	err := config.Validate()
	if err != nil {
		logging.Logger.Fatal("invalid configuration", zap.String("error", err.Error()))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go prometheus.Run(rootCtx)

	for {
		ctx, cancel := context.WithCancel(rootCtx)

		app, err := ahsoka.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create ahsoka app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)
		if err != nil {
			logging.Logger.Fatal("ahsoka app failed", zap.String("error", err.Error()))
		}

		<-ctx.Done()

		cancel()

		if rootCtx.Err() != nil {
			logging.Logger.Info("ahsoka stopped")
			return
		}

		app.HealthCheckerService.Check()
	}
}
