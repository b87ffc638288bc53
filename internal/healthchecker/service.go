package healthchecker

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

type checkFunc func() error

// Healthchecker cancels the app when a durable dependency's breaker opens and, after the
// app stopped, polls that dependency until it answers again.
type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
	Interval      time.Duration
	checks        map[string]checkFunc
}

func NewService(ctxCancelFunc context.CancelFunc) *Healthchecker {
	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
		Interval:      time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second,
		checks: map[string]checkFunc{
			circuitbreak.DBService:            CheckDB,
			circuitbreak.KafkaProducerService: CheckKafkaProducer,
		},
	}
}

// Monitor blocks until a breaker reports or ctx ends.
func (h *Healthchecker) Monitor(ctx context.Context) {
	logging.Logger.Info("[Monitor] Health checker monitor started")

	select {
	case <-ctx.Done():
		return
	case serviceName := <-circuitbreak.CircuitBreakChan:
		logging.Logger.Error("[Monitor] Circuit break happened", zap.String("service", serviceName))
		h.ErrorService = serviceName
		h.CtxCancelFunc()
	}
}

// Check waits for the failed service to recover. It returns at once when the app stopped
// for another reason.
func (h *Healthchecker) Check() {
	if h.ErrorService == "" {
		return
	}

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		<-ticker.C

		if h.checkErrorService() {
			return
		}
	}
}

func (h *Healthchecker) checkErrorService() bool {
	check, ok := h.checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("[Check] Unknown service", zap.String("service", h.ErrorService))
		return false
	}

	err := check()
	if err != nil {
		logging.Logger.Warn("[Check] Service still unhealthy",
			zap.String("service", h.ErrorService),
			zap.String("error", err.Error()),
		)

		return false
	}

	logging.Logger.Info("[Check] Service back healthy", zap.String("service", h.ErrorService))

	return true
}
