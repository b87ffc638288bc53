package kafka

import (
	"context"
	"sync"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// newSASLConfig is the SCRAM base shared by consumers and the producer.
func newSASLConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_8_0_0

	mechanism := sarama.SASLMechanism(config.Conf.KafkaSASLMechanism)

	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = mechanism
	cfg.Net.SASL.User = config.Conf.KafkaUsername
	cfg.Net.SASL.Password = config.Conf.KafkaPassword
	cfg.Net.SASL.Handshake = true
	cfg.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClientGenerator(mechanism)

	return cfg
}

func newConsumerConfig() *sarama.Config {
	cfg := newSASLConfig()

	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.ResetInvalidOffsets = true
	cfg.Consumer.Return.Errors = true

	return cfg
}

func newProducerConfig() *sarama.Config {
	cfg := newSASLConfig()

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	return cfg
}

func createConsumerGroup(groupID, consumerName string) (sarama.ConsumerGroup, error) {
	client, err := sarama.NewConsumerGroup(
		[]string{config.Conf.KafkaBootstrapServer},
		groupID,
		newConsumerConfig(),
	)
	if err != nil {
		logging.Logger.Error("Failed to create Kafka consumer group",
			zap.String("consumer", consumerName),
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("group_id", groupID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka",
		zap.String("consumer", consumerName),
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("group_id", groupID),
		zap.String("mechanism", "SCRAM-SHA-512"),
	)

	return client, nil
}

// runConsumerLoop rejoins the group after every rebalance until ctx is cancelled.
func runConsumerLoop(
	ctx context.Context,
	client sarama.ConsumerGroup,
	topic string,
	handler sarama.ConsumerGroupHandler,
	consumerName string,
) {
	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		topics := []string{topic}

		for {
			err := client.Consume(ctx, topics, handler)
			if err != nil {
				logging.Logger.Error("[runConsumerLoop] Kafka consume error",
					zap.String("consumer", consumerName),
					zap.String("error", err.Error()),
				)
			}

			if ctx.Err() != nil {
				logging.Logger.Info("[runConsumerLoop] Kafka consumer stopping",
					zap.String("consumer", consumerName),
					zap.String("error", ctx.Err().Error()),
				)

				return
			}
		}
	}()

	go func() {
		for err := range client.Errors() {
			logging.Logger.Error("[runConsumerLoop] Kafka consumer internal error",
				zap.String("consumer", consumerName),
				zap.String("error", err.Error()),
			)
		}
	}()

	waitGroup.Wait()
}
