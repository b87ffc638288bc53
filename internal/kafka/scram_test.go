package kafka

import (
	"strings"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

func TestSCRAMClientGeneratorPicksHash(t *testing.T) {
	for _, mechanism := range []sarama.SASLMechanism{sarama.SASLTypeSCRAMSHA256, sarama.SASLTypeSCRAMSHA512} {
		client := newSCRAMClientGenerator(mechanism)()

		require.NoError(t, client.Begin("ahsoka", "secret", ""))

		first, err := client.Step("")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(first, "n,,n=ahsoka,r="), first)
		require.False(t, client.Done())
	}
}

func TestSASLConfigUsesConfiguredMechanism(t *testing.T) {
	cfg := newSASLConfig()

	require.True(t, cfg.Net.SASL.Enable)
	require.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), cfg.Net.SASL.Mechanism)
	require.NotNil(t, cfg.Net.SASL.SCRAMClientGeneratorFunc())
}
