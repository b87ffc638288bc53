package deadletter

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidDeadLetterResult      = errors.New("invalid result type, it should be pointer to JournalDeadLetter")
	ErrInvalidDeadLetterSliceResult = errors.New("invalid result type, it should be slice of JournalDeadLetter")
)

type Repository interface {
	Upsert(ctx context.Context, sessionID string, payload []byte, errMsg string) (*JournalDeadLetter, error)
	GetPending(ctx context.Context) ([]JournalDeadLetter, error)
	UpdateStatus(ctx context.Context, dl *JournalDeadLetter, status string) error
	IncreaseRetryCount(ctx context.Context, dl *JournalDeadLetter, errMsg string) error
	Delete(ctx context.Context, dl *JournalDeadLetter) error
}

type DeadLetterRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *DeadLetterRepository {
	cbSettings := database.GetCircuitBreakerSettings("journal_dl", func(err error) bool { return err == nil })

	return &DeadLetterRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

func (dlRepository *DeadLetterRepository) Upsert(
	ctx context.Context,
	sessionID string,
	payload []byte,
	errMsg string,
) (*JournalDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		dl := JournalDeadLetter{
			SessionID:   sessionID,
			Payload:     payload,
			Error:       errMsg,
			Status:      StatusPending,
			LastRetryAt: &now,
		}

		// The record is often parked while the call task is shutting down.
		dbConn := dlRepository.DBConn.WithContext(context.WithoutCancel(ctx))

		err := dbConn.Where("session_id = ?", sessionID).
			Assign(map[string]any{
				"payload":       payload,
				"error":         errMsg,
				"status":        StatusPending,
				"last_retry_at": &now,
			}).
			FirstOrCreate(&dl).Error
		if err != nil {
			logging.Logger.Error("[Upsert] Failed to create dead letter record",
				zap.String("session_id", sessionID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &dl, nil
	})
	if err != nil {
		return nil, err
	}

	dl, ok := result.(*JournalDeadLetter)
	if !ok {
		return nil, ErrInvalidDeadLetterResult
	}

	return dl, nil
}

func (dlRepository *DeadLetterRepository) GetPending(ctx context.Context) ([]JournalDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []JournalDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where(
				"status = ? AND last_retry_at <= ? AND retry_count < ?",
				StatusPending,
				time.Now().Add(-time.Duration(config.Conf.DeadLetterRetryDelay)*time.Minute),
				config.Conf.DeadLetterMaxRetries,
			).
			Order("created_at ASC").
			Limit(config.Conf.DeadLetterLimit).
			Find(&records).Error
		if err != nil {
			logging.Logger.Error("[GetPending] Failed to fetch dead letters", zap.String("error", err.Error()))
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]JournalDeadLetter)
	if !ok {
		return nil, ErrInvalidDeadLetterSliceResult
	}

	return records, nil
}

func (dlRepository *DeadLetterRepository) UpdateStatus(
	ctx context.Context,
	dl *JournalDeadLetter,
	status string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.
			WithContext(ctx).
			Model(dl).
			Where("session_id = ?", dl.SessionID).
			Update("status", status).Error
		if err != nil {
			return nil, err
		}

		return dl, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) IncreaseRetryCount(
	ctx context.Context,
	dl *JournalDeadLetter,
	errMsg string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": time.Now(),
			"status":        StatusPending,
			"error":         errMsg,
		}

		err := dlRepository.DBConn.WithContext(ctx).
			Model(dl).
			Where("session_id = ?", dl.SessionID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[IncreaseRetryCount] Failed to increase dead letter retry count",
				zap.String("session_id", dl.SessionID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return dl, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) Delete(ctx context.Context, dl *JournalDeadLetter) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.WithContext(ctx).
			Where("session_id = ?", dl.SessionID).
			Delete(dl).
			Error

		return nil, err
	})

	return err
}
