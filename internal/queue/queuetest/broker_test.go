package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/analysis-worker/internal/queue"
)

func receive(t *testing.T, ch <-chan queue.Delivery) queue.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestRequeueAndDeadLetter(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx)
	require.NoError(t, err)

	b.Enqueue([]byte("a"), nil)
	d := receive(t, ch)
	require.NoError(t, d.Reject(true))
	assert.True(t, errors.Is(d.Ack(), ErrSettled))

	again := receive(t, ch)
	assert.True(t, again.Redelivered())
	require.NoError(t, again.Reject(false))

	dl := b.DeadLetters()
	require.Len(t, dl, 1)
	death, ok := dl[0].Headers.Death()
	require.True(t, ok)
	assert.Equal(t, "rejected", death.String("reason"))

	all := b.Deliveries()
	require.Len(t, all, 2)
	assert.Equal(t, Requeued, all[0].State())
	assert.Equal(t, 2, all[0].SettleCalls())
	assert.Equal(t, Rejected, all[1].State())
}

func TestPeekIsNonDestructive(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PublishDeadLetter(ctx, queue.Message{Body: []byte{byte('a' + i)}}))
	}
	msgs, err := b.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	b.FailPeek(errors.New("down"))
	_, err = b.Peek(ctx, 2)
	assert.Error(t, err)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	b.Enqueue([]byte("later"), nil)
	assert.Equal(t, 1, b.Ready())
}
