package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	payloads []string
	failAt   int
	hang     bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.payloads = append(p.payloads, string(payload.([]byte)))
	if p.hang {
		return &fakeToken{done: make(chan struct{})}
	}
	if p.failAt == len(p.payloads) {
		return doneToken(errors.New("not connected"))
	}
	return doneToken(nil)
}

func TestMQTTTopic_SendBatchInOrder(t *testing.T) {
	p := &fakePublisher{}
	mt := NewMQTTTopic(p, MQTTConfig{Topic: "out", QoS: 1})

	require.NoError(t, mt.SendBatch(context.Background(), []OutboundMessage{{Body: []byte("a")}, {Body: []byte("b")}}))
	assert.Equal(t, []string{"a", "b"}, p.payloads)
}

func TestMQTTTopic_SendBatch_StopsOnError(t *testing.T) {
	p := &fakePublisher{failAt: 1}
	mt := NewMQTTTopic(p, MQTTConfig{Topic: "out"})

	err := mt.SendBatch(context.Background(), []OutboundMessage{{Body: []byte("a")}, {Body: []byte("b")}})
	require.Error(t, err)
	assert.Len(t, p.payloads, 1)
}

func TestMQTTTopic_SendBatch_Timeout(t *testing.T) {
	p := &fakePublisher{hang: true}
	mt := NewMQTTTopic(p, MQTTConfig{Topic: "out", WriteTimeout: 10 * time.Millisecond})

	err := mt.SendBatch(context.Background(), []OutboundMessage{{Body: []byte("a")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMQTTTopic_InvalidQoSPanics(t *testing.T) {
	assert.Panics(t, func() { NewMQTTTopic(&fakePublisher{}, MQTTConfig{Topic: "out", QoS: 3}) })
}
