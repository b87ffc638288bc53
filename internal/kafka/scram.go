package kafka

import (
	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// scramClient adapts xdg-go/scram to sarama's SCRAMClient. HashGenerator picks SHA-256 or
// SHA-512 to match the mechanism sarama negotiates.
type scramClient struct {
	HashGenerator scram.HashGeneratorFcn

	conversation *scram.ClientConversation
}

func newSCRAMClientGenerator(mechanism sarama.SASLMechanism) func() sarama.SCRAMClient {
	hashGenerator := scram.SHA512
	if mechanism == sarama.SASLTypeSCRAMSHA256 {
		hashGenerator = scram.SHA256
	}

	return func() sarama.SCRAMClient {
		return &scramClient{HashGenerator: hashGenerator}
	}
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.HashGenerator.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}

	c.conversation = client.NewConversation()

	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conversation.Done()
}
