package deadletter

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

// Replayer writes a parked payload again. journal.Sink satisfies it.
type Replayer interface {
	Replay(ctx context.Context, payload []byte) error
}

type DeadLetterService struct {
	DLRepository Repository
	Replayer     Replayer
}

func NewService(dlRepository Repository, replayer Replayer) *DeadLetterService {
	return &DeadLetterService{
		DLRepository: dlRepository,
		Replayer:     replayer,
	}
}

func (dlService *DeadLetterService) MarkRecord(ctx context.Context, sessionID string, payload []byte, errMsg string) error {
	_, err := dlService.DLRepository.Upsert(ctx, sessionID, payload, errMsg)
	if err != nil {
		return err
	}

	logging.Logger.Info("[MarkRecord] Journal record parked as dead letter", zap.String("session_id", sessionID))

	return nil
}

func (dlService *DeadLetterService) ProcessDeadLetter(ctx context.Context, dl *JournalDeadLetter) {
	err := dlService.DLRepository.UpdateStatus(ctx, dl, StatusInProgress)
	if err != nil {
		logging.Logger.Warn("[ProcessDeadLetter] Failed to mark dead letter in progress",
			zap.String("session_id", dl.SessionID),
			zap.String("error", err.Error()),
		)

		return
	}

	err = dlService.Replayer.Replay(ctx, dl.Payload)
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetter] Failed to replay journal record",
			zap.String("session_id", dl.SessionID),
			zap.Int("retry_count", dl.RetryCount),
			zap.String("error", err.Error()),
		)
		_ = dlService.DLRepository.IncreaseRetryCount(ctx, dl, err.Error())

		return
	}

	logging.Logger.Info("[ProcessDeadLetter] Dead letter replayed", zap.String("session_id", dl.SessionID))

	err = dlService.DLRepository.Delete(ctx, dl)
	if err != nil {
		logging.Logger.Warn("[ProcessDeadLetter] Failed to delete replayed dead letter",
			zap.String("session_id", dl.SessionID),
			zap.String("error", err.Error()),
		)
	}
}
