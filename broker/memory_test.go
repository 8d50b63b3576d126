package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_RoundTrip(t *testing.T) {
	q := NewMemoryQueue("mem")
	ctx := context.Background()

	require.NoError(t, q.SendBatch(ctx, []OutboundMessage{{Body: []byte("a")}, {Body: []byte("b")}, {Body: []byte("c")}}))

	msgs, err := q.ReceiveBatch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, "b", string(msgs[1].Body))

	ready, inflight := q.Len()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 2, inflight)

	require.NoError(t, msgs[0].Complete(ctx))
	require.NoError(t, msgs[1].Abandon(ctx))
	assert.ErrorIs(t, msgs[0].Complete(ctx), ErrNotSettleable)

	msgs, err = q.ReceiveBatch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Body))
	assert.Equal(t, "c", string(msgs[1].Body))
}

func TestMemoryQueue_ReceiveTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue("mem")
	msgs, err := q.ReceiveBatch(context.Background(), 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_ReceiveWakesOnSend(t *testing.T) {
	q := NewMemoryQueue("mem")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.SendBatch(context.Background(), []OutboundMessage{{Body: []byte("late")}})
	}()

	msgs, err := q.ReceiveBatch(context.Background(), 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))
}

func TestMemoryQueue_ReceiveHonoursContext(t *testing.T) {
	q := NewMemoryQueue("mem")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.ReceiveBatch(ctx, 1, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}
