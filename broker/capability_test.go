package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendOnly struct{}

func (sendOnly) SendBatch(context.Context, []OutboundMessage) error { return nil }

func TestCapabilitiesOf(t *testing.T) {
	cases := []struct {
		name   string
		entity any
		want   Capability
	}{
		{"memory", NewMemoryQueue("m"), Both},
		{"send only", sendOnly{}, SendCapable},
		{"nothing", struct{}{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CapabilitiesOf(tc.entity))
		})
	}
}

func TestAsReceiver_RejectsSendOnly(t *testing.T) {
	_, err := AsReceiver("topic:out", sendOnly{})
	require.ErrorIs(t, err, ErrUnsupported)

	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "receive", ue.Op)
	assert.Equal(t, "topic:out", ue.Entity)

	_, err = AsSender("topic:out", sendOnly{})
	assert.NoError(t, err)
	_, err = AsSender("nothing", struct{}{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMessage_WithoutSettler(t *testing.T) {
	m := Message{ID: "x"}
	assert.ErrorIs(t, m.Complete(context.Background()), ErrNotSettleable)
	assert.ErrorIs(t, m.Abandon(context.Background()), ErrNotSettleable)
}

func TestSendError_Message(t *testing.T) {
	err := &SendError{Entity: "q", Failed: []FailedEntry{{ID: "a", Code: "c", Message: "m"}, {ID: "b"}}}
	assert.Equal(t, "send to q failed for 2 entries (first id=a code=c message=m)", err.Error())
}
