package kafka

import (
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"github.com/IBM/sarama"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const producerName = "ahsoka"

type ProducerResult struct {
	Partition int32
	Offset    int64
}

type Producer struct {
	Client         sarama.SyncProducer
	CircuitBreaker *gobreaker.CircuitBreaker[ProducerResult]
}

func NewProducer() (*Producer, error) {
	cfg := newProducerConfig()

	client, err := sarama.NewSyncProducer([]string{config.Conf.KafkaBootstrapServer}, cfg)
	if err != nil {
		logging.Logger.Error("Failed to create Kafka producer",
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka producer",
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("mechanism", config.Conf.KafkaSASLMechanism),
	)

	return &Producer{
		Client:         client,
		CircuitBreaker: newKafkaProducerCircuitBreaker(),
	}, nil
}

func newKafkaProducerCircuitBreaker() *gobreaker.CircuitBreaker[ProducerResult] {
	settings := gobreaker.Settings{
		Name:     circuitbreak.KafkaProducerService,
		Interval: time.Duration(config.Conf.KafkaIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.KafkaConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Error("Kafka producer circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.KafkaProducerService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[ProducerResult](settings)
}

// SendMessage publishes a JSON value synchronously and waits for all in-sync replicas.
// Records with the same key (session or conversation id) land on the same partition.
func (p *Producer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	result, err := p.CircuitBreaker.Execute(func() (ProducerResult, error) {
		return p.doSendMessage(topic, key, value)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	prometheusAhsoka.KafkaMessagesProduced.WithLabelValues(topic, outcome).Inc()

	if err != nil {
		return 0, 0, err
	}

	return result.Partition, result.Offset, nil
}

func (p *Producer) Close() error {
	err := p.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka producer", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("Kafka producer closed successfully")

	return nil
}

func (p *Producer) doSendMessage(topic string, key, value []byte) (ProducerResult, error) {
	message := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.ByteEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("producer"), Value: []byte(producerName)},
		},
	}

	partition, offset, err := p.Client.SendMessage(message)
	if err != nil {
		logging.Logger.Error("[SendMessage] Failed to send message to Kafka",
			zap.String("topic", topic),
			zap.ByteString("key", key),
			zap.String("error", err.Error()),
		)

		return ProducerResult{}, err
	}

	logging.Logger.Debug("[SendMessage] Message sent",
		zap.String("topic", topic),
		zap.ByteString("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return ProducerResult{Partition: partition, Offset: offset}, nil
}
