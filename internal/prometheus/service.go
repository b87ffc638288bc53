package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Run serves /metrics until ctx is done. It outlives app restarts, so main starts it once.
func Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	timeout := time.Duration(config.Conf.PrometheusTimeout) * time.Second

	server := &http.Server{
		Addr:              ":" + config.Conf.PrometheusPort,
		Handler:           mux,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logging.Logger.Info("start prometheus server", zap.String("port", config.Conf.PrometheusPort))

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Error("failed to start prometheus server", zap.String("error", err.Error()))
	}
}
