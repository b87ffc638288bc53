package kafka

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const dueConsumerName = "ReflectionDue"

// MessageHandler processes one record. The record is marked consumed once it returns, so
// handlers must park their own failures.
type MessageHandler func(context.Context, *sarama.ConsumerMessage)

type Consumer struct {
	Client sarama.ConsumerGroup
	Name   string
}

// NewDueConsumer joins the group that receives reflection-due events.
func NewDueConsumer() (*Consumer, error) {
	client, err := createConsumerGroup(config.Conf.KafkaDueGroupID, dueConsumerName)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		Client: client,
		Name:   dueConsumerName,
	}, nil
}

// Consume blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, topic string, messageHandler MessageHandler) error {
	handler := &consumerGroupHandler{
		messageHandler: messageHandler,
	}

	runConsumerLoop(ctx, c.Client, topic, handler, c.Name)

	return nil
}

func (c *Consumer) Close() error {
	err := c.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka consumer",
			zap.String("consumer", c.Name),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("Kafka consumer closed successfully", zap.String("consumer", c.Name))

	return nil
}

type consumerGroupHandler struct {
	messageHandler MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			h.messageHandler(session.Context(), message)

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
