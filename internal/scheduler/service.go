package scheduler

import (
	"context"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

type EnqueueRequest struct {
	ConversationID string
	OwnerID        string
	Destination    string
	When           time.Time
	MaxAttempts    int
}

// Scheduler owns every QueuedCall transition. It never retries on its own; a retry is
// always an explicit call counted against the attempt budget.
type Scheduler struct {
	store Store
	now   func() time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*QueuedCall, error) {
	switch {
	case req.ConversationID == "":
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	case req.Destination == "":
		return nil, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	case req.MaxAttempts < 1:
		return nil, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidRequest)
	}

	call := &QueuedCall{
		ConversationID: req.ConversationID,
		OwnerID:        req.OwnerID,
		Destination:    req.Destination,
		ScheduledAt:    req.When,
		Status:         StatusPending,
		MaxAttempts:    req.MaxAttempts,
	}

	err := s.store.Insert(ctx, call)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[Enqueue] Call queued",
		zap.String("conversation_id", call.ConversationID),
		zap.String("owner_id", call.OwnerID),
		zap.Time("scheduled_at", call.ScheduledAt),
		zap.Int("max_attempts", call.MaxAttempts),
	)

	return call, nil
}

func (s *Scheduler) BeginAttempt(ctx context.Context, conversationID string) (*QueuedCall, error) {
	return s.transition(ctx, "BeginAttempt", conversationID, func(call *QueuedCall) error {
		if call.Status != StatusPending {
			return invalid("beginAttempt", call)
		}

		if !call.AttemptsLeft() {
			return ErrAttemptsExhausted
		}

		now := s.now()
		call.Status = StatusAttempting
		call.AttemptCount++
		call.LastAttemptAt = &now
		call.NextRetryAt = nil

		return nil
	})
}

// Retry puts an attempting call back in the queue after delay. It refuses once the attempt
// budget is spent; the caller must Fail instead.
func (s *Scheduler) Retry(ctx context.Context, conversationID string, delay time.Duration) (*QueuedCall, error) {
	return s.transition(ctx, "Retry", conversationID, func(call *QueuedCall) error {
		if call.Status != StatusAttempting {
			return invalid("retry", call)
		}

		if !call.AttemptsLeft() {
			return ErrAttemptsExhausted
		}

		next := s.now().Add(delay)
		call.Status = StatusPending
		call.NextRetryAt = &next

		return nil
	})
}

func (s *Scheduler) Complete(ctx context.Context, conversationID string) (*QueuedCall, error) {
	return s.transition(ctx, "Complete", conversationID, func(call *QueuedCall) error {
		if call.Status != StatusAttempting {
			return invalid("complete", call)
		}

		s.finish(call, StatusCompleted, nil)

		return nil
	})
}

func (s *Scheduler) Fail(ctx context.Context, conversationID, errorDetail string) (*QueuedCall, error) {
	return s.transition(ctx, "Fail", conversationID, func(call *QueuedCall) error {
		if call.Status != StatusAttempting {
			return invalid("fail", call)
		}

		s.finish(call, StatusFailed, &errorDetail)

		return nil
	})
}

func (s *Scheduler) Cancel(ctx context.Context, conversationID string) (*QueuedCall, error) {
	return s.transition(ctx, "Cancel", conversationID, func(call *QueuedCall) error {
		if !call.Status.Active() {
			return invalid("cancel", call)
		}

		s.finish(call, StatusCancelled, nil)

		return nil
	})
}

// DueWork lists pending calls due at or before asOf, earliest first. limit <= 0 means all.
func (s *Scheduler) DueWork(ctx context.Context, asOf time.Time, limit int) ([]QueuedCall, error) {
	return s.store.Due(ctx, asOf, limit)
}

// ActiveFor lists the owner's pending and attempting calls.
func (s *Scheduler) ActiveFor(ctx context.Context, ownerID string) ([]QueuedCall, error) {
	return s.store.ListByOwner(ctx, ownerID, activeStatuses()...)
}

// Attempting lists every call in an attempt. After a restart these are attempts whose call
// task no longer exists.
func (s *Scheduler) Attempting(ctx context.Context) ([]QueuedCall, error) {
	return s.store.ListByStatus(ctx, StatusAttempting)
}

func (s *Scheduler) Get(ctx context.Context, conversationID string) (*QueuedCall, error) {
	return s.store.Latest(ctx, conversationID)
}

func (s *Scheduler) transition(
	ctx context.Context,
	method string,
	conversationID string,
	fn func(*QueuedCall) error,
) (*QueuedCall, error) {
	call, err := s.store.Mutate(ctx, conversationID, fn)
	if err != nil {
		logging.Logger.Warn("["+method+"] Queued call transition rejected",
			zap.String("conversation_id", conversationID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("["+method+"] Queued call updated",
		zap.String("conversation_id", conversationID),
		zap.String("status", string(call.Status)),
		zap.Int("attempt_count", call.AttemptCount),
		zap.Int("max_attempts", call.MaxAttempts),
	)

	return call, nil
}

func (s *Scheduler) finish(call *QueuedCall, status Status, errorDetail *string) {
	now := s.now()
	call.Status = status
	call.CompletedAt = &now
	call.NextRetryAt = nil
	call.Error = errorDetail
}

func invalid(op string, call *QueuedCall) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, call.Status)
}
