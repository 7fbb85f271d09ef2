package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, string, string, []byte) error { return f.err }

func TestRetryExhaustionGoesToDeadLetter(t *testing.T) {
	ch := NewMemory(MemoryOptions{})
	defer ch.Close()
	rp := RetryPolicy{Retries: 2, Delay: 0, DeadLetter: ch}

	var calls atomic.Int32
	h := rp.Wrap("g", func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("boom")
	})
	err := h(context.Background(), Message{Topic: "product-topic", Key: "3", Payload: []byte("p")})
	require.NoError(t, err, "an exhausted message is committed")
	assert.EqualValues(t, 3, calls.Load())

	dlt := ch.Messages("product-topic-dlt")
	require.Len(t, dlt, 1)
	assert.Equal(t, "3", dlt[0].Key)
	assert.Equal(t, []byte("p"), dlt[0].Payload)
}

func TestRetryRecoversWithinBudget(t *testing.T) {
	ch := NewMemory(MemoryOptions{})
	defer ch.Close()
	rp := RetryPolicy{Retries: 2, DeadLetter: ch}

	var calls atomic.Int32
	h := rp.Wrap("g", func(context.Context, Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, h(context.Background(), Message{Topic: "t", Key: "1"}))
	assert.Equal(t, 0, ch.Len("t-dlt"))
}

func TestRetryPermanentSkipsRetries(t *testing.T) {
	ch := NewMemory(MemoryOptions{})
	defer ch.Close()
	rp := RetryPolicy{Retries: 5, DeadLetter: ch}

	var calls atomic.Int32
	h := rp.Wrap("g", func(context.Context, Message) error {
		calls.Add(1)
		return Permanent(errors.New("bad payload"))
	})
	require.NoError(t, h(context.Background(), Message{Topic: "t", Key: "1"}))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, ch.Len("t-dlt"))
}

func TestRetryDeadLetterFailureRedelivers(t *testing.T) {
	rp := RetryPolicy{Retries: 0, DeadLetter: failingPublisher{err: errors.New("down")}}
	h := rp.Wrap("g", func(context.Context, Message) error { return errors.New("boom") })
	err := h(context.Background(), Message{Topic: "t", Key: "1"})
	require.Error(t, err)
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Attempts)
}

func TestRetryCancelledContextIsNotDeadLettered(t *testing.T) {
	ch := NewMemory(MemoryOptions{})
	defer ch.Close()
	rp := RetryPolicy{Retries: 2, DeadLetter: ch}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := rp.Wrap("g", func(context.Context, Message) error { return errors.New("boom") })
	assert.Error(t, h(ctx, Message{Topic: "t", Key: "1"}))
	assert.Equal(t, 0, ch.Len("t-dlt"))
}

func TestRegistryEndToEnd(t *testing.T) {
	ch := NewMemory(MemoryOptions{DefaultPartitions: 2})
	defer ch.Close()
	reg := NewRegistry(RetryPolicy{Retries: 1, DeadLetter: ch})

	var a, b collector
	require.NoError(t, reg.Register("t", "a", 2, a.handle))
	require.NoError(t, reg.Register("t", "b", 1, b.handle))
	assert.Error(t, reg.Register("t", "a", 1, a.handle), "duplicate group")
	assert.Error(t, reg.Register("", "a", 1, a.handle))
	assert.Len(t, reg.Subscriptions(), 2)

	require.NoError(t, reg.Start(context.Background(), ch))
	for i := 0; i < 6; i++ {
		require.NoError(t, ch.Publish(context.Background(), "t", PartitionKey(int64(i), 2), nil))
	}
	waitFor(t, func() bool { return len(a.snapshot()) == 6 && len(b.snapshot()) == 6 })
}
