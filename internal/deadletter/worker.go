package deadletter

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type DeadLetterWorker struct {
	WorkerPool *ants.Pool
	DLService  *DeadLetterService
	Interval   time.Duration
}

func NewWorker(dlService *DeadLetterService) (*DeadLetterWorker, error) {
	workerPool, err := ants.NewPool(config.Conf.DeadLetterPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &DeadLetterWorker{
		WorkerPool: workerPool,
		DLService:  dlService,
		Interval:   time.Duration(config.Conf.DeadLetterInterval) * time.Minute,
	}, nil
}

func (dlWorker *DeadLetterWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(dlWorker.Interval)
	defer ticker.Stop()

	defer dlWorker.WorkerPool.Release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dlWorker.processDeadLetters(ctx)
		}
	}
}

func (dlWorker *DeadLetterWorker) processDeadLetters(ctx context.Context) {
	records, err := dlWorker.DLService.DLRepository.GetPending(ctx)
	if err != nil {
		return
	}

	if len(records) == 0 {
		return
	}

	logging.Logger.Info("[processDeadLetters] Replaying dead letters", zap.Int("count", len(records)))

	for idx := range records {
		dl := records[idx]

		err := dlWorker.WorkerPool.Submit(func() {
			dlWorker.DLService.ProcessDeadLetter(ctx, &dl)
		})
		if err != nil {
			logging.Logger.Error("[processDeadLetters] Failed to submit dead letter",
				zap.String("session_id", dl.SessionID),
				zap.String("error", err.Error()),
			)
		}
	}
}
