package healthchecker

import (
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

// CheckKafkaProducer dials the brokers with a fresh producer. Nothing is published, the
// topics are consumed by other systems.
func CheckKafkaProducer() error {
	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("[CheckKafkaProducer] Failed to create kafka producer", zap.String("error", err.Error()))
		return err
	}

	return kafkaProducer.Close()
}
