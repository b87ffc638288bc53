package ahsoka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	dueActionSchedule = "schedule"
	dueActionCancel   = "cancel"
)

const (
	dueResultQueued    = "queued"
	dueResultCancelled = "cancelled"
	dueResultDuplicate = "duplicate"
	dueResultInvalid   = "invalid"
	dueResultError     = "error"
)

var errUnknownDueAction = errors.New("unknown due action")

// ScriptWriter stores an owner's prompt script.
type ScriptWriter interface {
	SaveScript(ctx context.Context, ownerID string, prompts []session.Prompt) error
}

// DueMessage asks for a reflection call, or withdraws one. An empty ScheduledAt means now.
// Prompts, when present, replace the owner's stored script once the call is queued.
type DueMessage struct {
	Action         string           `json:"action"`
	ConversationID string           `json:"conversation_id"`
	OwnerID        string           `json:"owner_id"`
	Destination    string           `json:"destination"`
	ScheduledAt    string           `json:"scheduled_at"`
	MaxAttempts    int              `json:"max_attempts"`
	Prompts        []session.Prompt `json:"prompts,omitempty"`
}

// DueMessageHandler enqueues or cancels the call described by a due message. Duplicates
// and malformed messages are logged and acknowledged; redelivering them cannot succeed.
func (app *Ahsoka) DueMessageHandler(ctx context.Context, msg *sarama.ConsumerMessage) {
	defer app.handlePanic(msg)

	result, err := app.processDueMessage(ctx, msg.Value)

	prometheusAhsoka.DueMessages.WithLabelValues(result).Inc()

	if err != nil {
		logging.Logger.Error("[DueMessageHandler] Failed to handle due message",
			zap.String("result", result),
			zap.String("error", err.Error()),
			zap.ByteString("key", msg.Key),
			zap.ByteString("msg_value", msg.Value),
		)

		return
	}

	logging.Logger.Info("[DueMessageHandler] Due message handled",
		zap.String("result", result),
		zap.ByteString("key", msg.Key),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
}

func (app *Ahsoka) processDueMessage(ctx context.Context, value []byte) (string, error) {
	var due DueMessage

	err := json.Unmarshal(value, &due)
	if err != nil {
		return dueResultInvalid, err
	}

	switch due.Action {
	case "", dueActionSchedule:
		return app.scheduleDue(ctx, due)
	case dueActionCancel:
		_, err = app.Orchestrator.Cancel(ctx, due.ConversationID)
		if err != nil {
			return dueResultError, err
		}

		return dueResultCancelled, nil
	default:
		return dueResultInvalid, fmt.Errorf("%w: %q", errUnknownDueAction, due.Action)
	}
}

func (app *Ahsoka) scheduleDue(ctx context.Context, due DueMessage) (string, error) {
	when := time.Now()

	if due.ScheduledAt != "" {
		parsed, err := time.Parse(time.RFC3339, due.ScheduledAt)
		if err != nil {
			return dueResultInvalid, err
		}

		when = parsed
	}

	maxAttempts := due.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = config.Conf.OrchestratorDefaultMaxAttempt
	}

	_, err := app.Scheduler.Enqueue(ctx, scheduler.EnqueueRequest{
		ConversationID: due.ConversationID,
		OwnerID:        due.OwnerID,
		Destination:    due.Destination,
		When:           when,
		MaxAttempts:    maxAttempts,
	})

	switch {
	case err == nil:
		return app.saveDueScript(ctx, due)
	case errors.Is(err, scheduler.ErrActiveCallExists):
		return dueResultDuplicate, err
	case errors.Is(err, scheduler.ErrInvalidRequest):
		return dueResultInvalid, err
	default:
		return dueResultError, err
	}
}

// saveDueScript stores the prompts a queued message carries. The call is withdrawn when they
// cannot be stored, so a redelivered message can queue it again.
func (app *Ahsoka) saveDueScript(ctx context.Context, due DueMessage) (string, error) {
	if len(due.Prompts) == 0 || app.Scripts == nil {
		return dueResultQueued, nil
	}

	err := app.Scripts.SaveScript(ctx, due.OwnerID, due.Prompts)
	if err == nil {
		return dueResultQueued, nil
	}

	_, cancelErr := app.Scheduler.Cancel(ctx, due.ConversationID)
	if cancelErr != nil {
		logging.Logger.Error("[saveDueScript] Failed to withdraw call after script error",
			zap.String("conversation_id", due.ConversationID),
			zap.String("error", cancelErr.Error()),
		)
	}

	return dueResultError, err
}

func (app *Ahsoka) handlePanic(msg *sarama.ConsumerMessage) {
	if r := recover(); r != nil {
		logging.Logger.Error("panic in due message handler",
			zap.ByteString("key", msg.Key),
			zap.Any("recover", r),
		)
	}
}
