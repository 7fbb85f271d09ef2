package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// ErrClosed is returned by a closed channel.
var ErrClosed = errors.New("channel closed")

// partitionLog is an append-only, offset-addressed message log.
type partitionLog struct {
	base int64 // offset of msgs[0]
	msgs []Message
}

type memTopic struct {
	mu    sync.Mutex
	parts []partitionLog
	// wake is closed and replaced on every append
	wake chan struct{}
}

func (t *memTopic) append(msg Message, retention int) Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.parts[msg.Partition]
	msg.Offset = p.base + int64(len(p.msgs))
	p.msgs = append(p.msgs, msg)
	if retention > 0 && len(p.msgs) > retention {
		drop := len(p.msgs) - retention
		p.msgs = append([]Message(nil), p.msgs[drop:]...)
		p.base += int64(drop)
	}
	close(t.wake)
	t.wake = make(chan struct{})
	return msg
}

// read returns up to max messages of partition p from offset on, the offset
// actually served from (later than from when retention dropped messages),
// and the channel that is closed on the next append.
func (t *memTopic) read(p int, from int64, max int) ([]Message, int64, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl := t.parts[p]
	if from < pl.base {
		from = pl.base
	}
	i := int(from - pl.base)
	if i >= len(pl.msgs) {
		return nil, from, t.wake
	}
	end := i + max
	if end > len(pl.msgs) {
		end = len(pl.msgs)
	}
	return append([]Message(nil), pl.msgs[i:end]...), from, t.wake
}

// MemoryOptions configures NewMemory.
type MemoryOptions struct {
	// Partitions per topic; topics not listed use DefaultPartitions.
	Partitions        map[string]int
	DefaultPartitions int
	// Retention caps messages kept per partition; zero keeps everything.
	Retention int
	// RedeliveryDelay spaces out redeliveries of a failing message.
	RedeliveryDelay time.Duration
}

// Memory is an in-process Channel. Each topic is a set of partition logs;
// each consumer group keeps its own cursor per partition, so groups read
// the same log independently.
type Memory struct {
	opts MemoryOptions

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Channel = (*Memory)(nil)

func NewMemory(opts MemoryOptions) *Memory {
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = 1
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{opts: opts, topics: make(map[string]*memTopic), ctx: ctx, cancel: cancel}
}

func (m *Memory) partitions(topic string) int {
	if n, ok := m.opts.Partitions[topic]; ok && n > 0 {
		return n
	}
	return m.opts.DefaultPartitions
}

func (m *Memory) topic(name string) (*memTopic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{parts: make([]partitionLog, m.partitions(name)), wake: make(chan struct{})}
		m.topics[name] = t
	}
	return t, nil
}

func (m *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := m.topic(topic)
	if err != nil {
		return err
	}
	t.append(Message{
		Topic:     topic,
		Key:       key,
		Partition: partitionFor(key, len(t.parts)),
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}, m.opts.Retention)
	return nil
}

// Len returns the number of retained messages in topic.
func (m *Memory) Len(topic string) int {
	t, err := m.topic(topic)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.parts {
		n += len(p.msgs)
	}
	return n
}

// Messages returns a copy of every retained message in topic, partition by
// partition.
func (m *Memory) Messages(topic string) []Message {
	t, err := m.topic(topic)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, p := range t.parts {
		out = append(out, p.msgs...)
	}
	return out
}

func (m *Memory) Subscribe(ctx context.Context, sub Subscription) error {
	if sub.Handler == nil {
		return errors.New("subscription needs a handler")
	}
	t, err := m.topic(sub.Topic)
	if err != nil {
		return err
	}
	n := sub.Concurrency
	if n <= 0 {
		n = 1
	}
	if n > len(t.parts) {
		n = len(t.parts)
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.ctx.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	for w := 0; w < n; w++ {
		m.wg.Add(1)
		go m.worker(ctx, t, sub, ownedPartitions(w, n, len(t.parts)))
	}
	obs.Logger.Info("consumer_started", "topic", sub.Topic, "group", sub.Group, "workers", n, "partitions", len(t.parts))
	return nil
}

// worker serves its partitions in order, committing a message only after the
// handler accepts it.
func (m *Memory) worker(ctx context.Context, t *memTopic, sub Subscription, owned []int) {
	defer m.wg.Done()
	cursors := make([]int64, len(owned))
	for {
		var wake <-chan struct{}
		progressed := false
		for i, p := range owned {
			msgs, from, w := t.read(p, cursors[i], 64)
			if wake == nil {
				// the first snapshot is the oldest; any later append closes it
				wake = w
			}
			if from > cursors[i] {
				obs.Logger.Warn("consumer_skipped_expired", "topic", sub.Topic, "group", sub.Group, "partition", p, "from", cursors[i], "to", from)
				cursors[i] = from
			}
			for _, msg := range msgs {
				if !m.deliver(ctx, sub, msg) {
					return
				}
				cursors[i] = msg.Offset + 1
				progressed = true
			}
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// deliver calls the handler until it succeeds. It reports false when ctx
// ends first.
func (m *Memory) deliver(ctx context.Context, sub Subscription, msg Message) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		err := sub.Handler(ctx, msg)
		if err == nil {
			return true
		}
		obs.Logger.Warn("event_redelivery", "topic", msg.Topic, "group", sub.Group, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.opts.RedeliveryDelay):
		}
	}
}

// Close stops every consumer and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}
