package healthchecker

import (
	"context"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

const readinessTimeout = 3 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Readiness pings every dependency in parallel. Unlike the breaker monitor it never
// restarts the app; it only answers the readiness endpoint.
type Readiness struct {
	Checks  map[string]Pinger
	Timeout time.Duration
}

func NewReadiness(checks map[string]Pinger) *Readiness {
	return &Readiness{Checks: checks, Timeout: readinessTimeout}
}

func (r *Readiness) Probe(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		ready  = true
		report = make(map[string]string, len(r.Checks))
	)

	for name, pinger := range r.Checks {
		wg.Add(1)

		go func() {
			defer wg.Done()

			status := "ok"

			err := pinger.Ping(ctx)
			if err != nil {
				status = err.Error()

				logging.Logger.Warn("[Probe] Dependency not ready",
					zap.String("dependency", name),
					zap.String("error", status),
				)
			}

			mu.Lock()
			defer mu.Unlock()

			report[name] = status
			if err != nil {
				ready = false
			}
		}()
	}

	wg.Wait()

	return report, ready
}
