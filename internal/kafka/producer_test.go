package kafka

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestSendMessageDeliversThroughBreaker(t *testing.T) {
	client := mocks.NewSyncProducer(t, nil)
	client.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		if string(value) != `{"session_id":"s-1"}` {
			return errors.New("unexpected payload")
		}

		return nil
	})

	producer := &Producer{Client: client, CircuitBreaker: newKafkaProducerCircuitBreaker()}

	_, _, err := producer.SendMessage("journal", []byte("s-1"), []byte(`{"session_id":"s-1"}`))
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestSendMessageReturnsBrokerError(t *testing.T) {
	client := mocks.NewSyncProducer(t, nil)
	client.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	producer := &Producer{Client: client, CircuitBreaker: newKafkaProducerCircuitBreaker()}

	_, _, err := producer.SendMessage("journal", []byte("s-1"), []byte("{}"))
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, producer.Close())
}
