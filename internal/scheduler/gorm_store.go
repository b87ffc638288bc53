package scheduler

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidQueuedCallResult      = errors.New("invalid result type, it should be pointer to QueuedCall")
	ErrInvalidQueuedCallSliceResult = errors.New("invalid result type, it should be slice of QueuedCall")
)

type GormStore struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewGormStore(dbConn *gorm.DB) *GormStore {
	cbSettings := database.GetCircuitBreakerSettings("queued_calls", isStoreHealthy)

	return &GormStore{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// isStoreHealthy keeps caller errors from tripping the database breaker.
func isStoreHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrActiveCallExists) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAttemptsExhausted) ||
		errors.Is(err, ErrConcurrentUpdate)
}

func (store *GormStore) Insert(ctx context.Context, call *QueuedCall) error {
	_, err := store.CircuitBreaker.Execute(func() (any, error) {
		err := store.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var active int64

			err := tx.Model(&QueuedCall{}).
				Where("conversation_id = ? AND status IN ?", call.ConversationID, activeStatuses()).
				Count(&active).Error
			if err != nil {
				return err
			}

			if active > 0 {
				return ErrActiveCallExists
			}

			return tx.Create(call).Error
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrActiveCallExists
		}

		if err != nil && !errors.Is(err, ErrActiveCallExists) {
			logging.Logger.Error("[Insert] Failed to insert queued call",
				zap.String("conversation_id", call.ConversationID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)
		}

		return call, err
	})

	return err
}

// Mutate uses optimistic versioning: the update only lands when the row still carries the
// version that was read.
func (store *GormStore) Mutate(
	ctx context.Context,
	conversationID string,
	fn func(*QueuedCall) error,
) (*QueuedCall, error) {
	result, err := store.CircuitBreaker.Execute(func() (any, error) {
		current, err := store.latest(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		updated := *current

		err = fn(&updated)
		if err != nil {
			return nil, err
		}

		updated.Version = current.Version + 1

		tx := store.DBConn.WithContext(ctx).
			Model(&QueuedCall{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]any{
				"status":          updated.Status,
				"attempt_count":   updated.AttemptCount,
				"last_attempt_at": updated.LastAttemptAt,
				"next_retry_at":   updated.NextRetryAt,
				"error":           updated.Error,
				"completed_at":    updated.CompletedAt,
				"version":         updated.Version,
				"updated_at":      time.Now(),
			})
		if tx.Error != nil {
			logging.Logger.Error("[Mutate] Failed to update queued call",
				zap.String("conversation_id", conversationID),
				zap.String("status", string(updated.Status)),
				zap.String("error", tx.Error.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, tx.Error
		}

		if tx.RowsAffected == 0 {
			return nil, ErrConcurrentUpdate
		}

		return &updated, nil
	})
	if err != nil {
		return nil, err
	}

	call, ok := result.(*QueuedCall)
	if !ok {
		return nil, ErrInvalidQueuedCallResult
	}

	return call, nil
}

func (store *GormStore) Latest(ctx context.Context, conversationID string) (*QueuedCall, error) {
	result, err := store.CircuitBreaker.Execute(func() (any, error) {
		return store.latest(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}

	call, ok := result.(*QueuedCall)
	if !ok {
		return nil, ErrInvalidQueuedCallResult
	}

	return call, nil
}

func (store *GormStore) Due(ctx context.Context, asOf time.Time, limit int) ([]QueuedCall, error) {
	return store.find(ctx, "Due", func(query *gorm.DB) *gorm.DB {
		query = query.
			Where("status = ? AND COALESCE(next_retry_at, scheduled_at) <= ?", StatusPending, asOf).
			Order("COALESCE(next_retry_at, scheduled_at) ASC").
			Order("id ASC")

		if limit > 0 {
			query = query.Limit(limit)
		}

		return query
	})
}

func (store *GormStore) ListByOwner(ctx context.Context, ownerID string, statuses ...Status) ([]QueuedCall, error) {
	return store.find(ctx, "ListByOwner", func(query *gorm.DB) *gorm.DB {
		return query.Where("owner_id = ? AND status IN ?", ownerID, statuses).Order("id ASC")
	})
}

func (store *GormStore) ListByStatus(ctx context.Context, status Status) ([]QueuedCall, error) {
	return store.find(ctx, "ListByStatus", func(query *gorm.DB) *gorm.DB {
		return query.Where("status = ?", status).Order("id ASC")
	})
}

func (store *GormStore) find(
	ctx context.Context,
	method string,
	scope func(*gorm.DB) *gorm.DB,
) ([]QueuedCall, error) {
	result, err := store.CircuitBreaker.Execute(func() (any, error) {
		var calls []QueuedCall

		err := scope(store.DBConn.WithContext(ctx)).Find(&calls).Error
		if err != nil {
			logging.Logger.Error("["+method+"] Failed to fetch queued calls",
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return calls, nil
	})
	if err != nil {
		return nil, err
	}

	calls, ok := result.([]QueuedCall)
	if !ok {
		return nil, ErrInvalidQueuedCallSliceResult
	}

	return calls, nil
}

func (store *GormStore) latest(ctx context.Context, conversationID string) (*QueuedCall, error) {
	var call QueuedCall

	err := store.DBConn.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &call, nil
}

func activeStatuses() []Status {
	return []Status{StatusPending, StatusAttempting}
}
