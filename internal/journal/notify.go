package journal

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Exhaustion tells the notification owner that a conversation ran out of attempts.
type Exhaustion struct {
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

type Notifier struct {
	Producer Publisher
	Topic    string
}

func NewNotifier(producer Publisher) *Notifier {
	return &Notifier{Producer: producer, Topic: config.Conf.KafkaNotificationTopic}
}

func (n *Notifier) NotifyExhausted(ctx context.Context, exhaustion Exhaustion) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	payload, err := json.Marshal(exhaustion)
	if err != nil {
		return err
	}

	_, _, err = n.Producer.SendMessage(n.Topic, []byte(exhaustion.ConversationID), payload)
	if err != nil {
		logging.Logger.Error("[NotifyExhausted] Failed to publish exhaustion",
			zap.String("conversation_id", exhaustion.ConversationID),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("[NotifyExhausted] Exhaustion published",
		zap.String("conversation_id", exhaustion.ConversationID),
		zap.Int("attempts", exhaustion.Attempts),
	)

	return nil
}
