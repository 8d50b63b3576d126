package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaTopic_SendBatch(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	var got []string
	check := func(pm *sarama.ProducerMessage) error {
		b, err := pm.Value.Encode()
		if err != nil {
			return err
		}
		got = append(got, string(b))
		return nil
	}
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)

	kt := NewKafkaTopic(p, "events")
	err := kt.SendBatch(context.Background(), []OutboundMessage{
		{Key: "k", Body: []byte("one"), Attributes: map[string]string{"h": "v"}},
		{Body: []byte("two")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
	require.NoError(t, kt.Close())
}

func TestKafkaTopic_SendBatch_Error(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	sentinel := errors.New("leader not available")
	p.ExpectSendMessageAndFail(sentinel)

	kt := NewKafkaTopic(p, "events")
	err := kt.SendBatch(context.Background(), []OutboundMessage{{Body: []byte("one")}})
	require.Error(t, err)
	require.NoError(t, kt.Close())
}

func TestKafkaTopic_IsSendOnly(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	defer func() { _ = p.Close() }()

	kt := NewKafkaTopic(p, "events")
	assert.Equal(t, SendCapable, CapabilitiesOf(kt))

	_, err := AsReceiver("kafka:events", kt)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestProducerConfig_PreservesOrder(t *testing.T) {
	sc, err := producerConfig(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events", Version: "2.8.0", Acks: -1})
	require.NoError(t, err)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
	require.NoError(t, sc.Validate())

	_, err = producerConfig(KafkaConfig{Version: "not-a-version"})
	assert.Error(t, err)
}
