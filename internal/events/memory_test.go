package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records handled messages.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, m Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "2", PartitionKey(7, 5))
	assert.Equal(t, "0", PartitionKey(10, 5))
	assert.Equal(t, "0", PartitionKey(3, 0))
	assert.Equal(t, 2, partitionFor(PartitionKey(7, 5), 5))
	assert.Equal(t, partitionFor("abc", 4), partitionFor("abc", 4))
	assert.Equal(t, []int{1, 4}, ownedPartitions(1, 3, 5))
}

func TestMemoryOrderWithinPartition(t *testing.T) {
	ch := NewMemory(MemoryOptions{DefaultPartitions: 3})
	defer ch.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, ch.Subscribe(ctx, Subscription{Topic: "t", Group: "g", Concurrency: 3, Handler: c.handle}))
	for i := 0; i < 30; i++ {
		key := PartitionKey(int64(i%2), 3)
		require.NoError(t, ch.Publish(ctx, "t", key, []byte(strconv.Itoa(i))))
	}
	waitFor(t, func() bool { return len(c.snapshot()) == 30 })

	last := map[string]int{}
	for _, m := range c.snapshot() {
		n, _ := strconv.Atoi(string(m.Payload))
		if prev, ok := last[m.Key]; ok && n <= prev {
			t.Fatalf("key %s delivered %d after %d", m.Key, n, prev)
		}
		last[m.Key] = n
	}
}

func TestMemoryGroupsAreIndependent(t *testing.T) {
	ch := NewMemory(MemoryOptions{DefaultPartitions: 1, RedeliveryDelay: 10 * time.Millisecond})
	defer ch.Close()
	ctx := context.Background()

	var fast collector
	stuck := make(chan struct{})
	require.NoError(t, ch.Subscribe(ctx, Subscription{Topic: "t", Group: "stuck", Handler: func(ctx context.Context, _ Message) error {
		select {
		case <-stuck:
		case <-ctx.Done():
		}
		return nil
	}}))
	require.NoError(t, ch.Subscribe(ctx, Subscription{Topic: "t", Group: "fast", Handler: fast.handle}))

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Publish(ctx, "t", "1", []byte("x")))
	}
	waitFor(t, func() bool { return len(fast.snapshot()) == 5 })
	close(stuck)
}

func TestMemoryRedeliversUntilAccepted(t *testing.T) {
	ch := NewMemory(MemoryOptions{RedeliveryDelay: 5 * time.Millisecond})
	defer ch.Close()
	ctx := context.Background()

	var calls atomic.Int32
	var done collector
	require.NoError(t, ch.Subscribe(ctx, Subscription{Topic: "t", Group: "g", Handler: func(ctx context.Context, m Message) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return done.handle(ctx, m)
	}}))
	require.NoError(t, ch.Publish(ctx, "t", "1", []byte("a")))
	waitFor(t, func() bool { return len(done.snapshot()) == 1 })
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 0, done.snapshot()[0].Offset)
}

func TestMemoryLateSubscriberReadsFromStart(t *testing.T) {
	ch := NewMemory(MemoryOptions{DefaultPartitions: 2})
	defer ch.Close()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, ch.Publish(ctx, "t", strconv.Itoa(i), nil))
	}
	assert.Equal(t, 4, ch.Len("t"))

	var c collector
	require.NoError(t, ch.Subscribe(ctx, Subscription{Topic: "t", Group: "late", Concurrency: 2, Handler: c.handle}))
	waitFor(t, func() bool { return len(c.snapshot()) == 4 })
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	ch := NewMemory(MemoryOptions{})
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Publish(context.Background(), "t", "1", nil), ErrClosed)
}
