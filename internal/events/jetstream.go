package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// keyHeader carries the partition key of a message.
const keyHeader = "Catalog-Key"

// JetStreamOptions configures NewJetStream.
type JetStreamOptions struct {
	Partitions        map[string]int
	DefaultPartitions int
	RedeliveryDelay   time.Duration
	// AckWait bounds a single handler call before the server redelivers.
	AckWait time.Duration
}

// JetStream is a Channel backed by NATS JetStream. A topic is one stream with
// a subject per partition; a consumer group is one durable consumer per
// partition with a single message in flight, which keeps partition order.
type JetStream struct {
	opts JetStreamOptions
	conn *nats.Conn
	js   jetstream.JetStream

	mu       sync.Mutex
	streams  map[string]bool
	consumes []jetstream.ConsumeContext
	closed   bool
}

var _ Channel = (*JetStream)(nil)

// NewJetStream connects to the NATS server at url.
func NewJetStream(url string, opts JetStreamOptions) (*JetStream, error) {
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = 1
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 100 * time.Millisecond
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	conn, err := nats.Connect(url,
		nats.Name("product-catalog-service"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				obs.Logger.Warn("nats_disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			obs.Logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &JetStream{opts: opts, conn: conn, js: js, streams: make(map[string]bool)}, nil
}

func (j *JetStream) partitions(topic string) int {
	if n, ok := j.opts.Partitions[topic]; ok && n > 0 {
		return n
	}
	return j.opts.DefaultPartitions
}

// streamName maps a topic onto a valid stream name.
func streamName(topic string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(topic)
}

func subject(topic string, partition int) string {
	return streamName(topic) + "." + strconv.Itoa(partition)
}

func (j *JetStream) ensureStream(ctx context.Context, topic string) error {
	j.mu.Lock()
	closed, ok := j.closed, j.streams[topic]
	j.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ok {
		return nil
	}
	name := streamName(topic)
	_, err := j.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".*"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	j.mu.Lock()
	j.streams[topic] = true
	j.mu.Unlock()
	return nil
}

func (j *JetStream) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := j.ensureStream(ctx, topic); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: subject(topic, partitionFor(key, j.partitions(topic))),
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(keyHeader, key)
	if _, err := j.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (j *JetStream) Subscribe(ctx context.Context, sub Subscription) error {
	if sub.Handler == nil {
		return errors.New("subscription needs a handler")
	}
	if err := j.ensureStream(ctx, sub.Topic); err != nil {
		return err
	}
	parts := j.partitions(sub.Topic)
	n := sub.Concurrency
	if n <= 0 {
		n = 1
	}
	if n > parts {
		n = parts
	}
	// at most n partitions of this group run a handler at once
	sem := make(chan struct{}, n)
	name := streamName(sub.Topic)
	var started []jetstream.ConsumeContext
	for p := 0; p < parts; p++ {
		cons, err := j.js.CreateOrUpdateConsumer(ctx, name, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-p%d", streamName(sub.Group), p),
			FilterSubject: subject(sub.Topic, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxAckPending: 1,
			AckWait:       j.opts.AckWait,
		})
		if err != nil {
			stopAll(started)
			return fmt.Errorf("consumer %s/%s p%d: %w", sub.Topic, sub.Group, p, err)
		}
		partition := p
		cc, err := cons.Consume(func(m jetstream.Msg) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			j.handle(ctx, sub, partition, m)
		})
		if err != nil {
			stopAll(started)
			return fmt.Errorf("consume %s/%s p%d: %w", sub.Topic, sub.Group, p, err)
		}
		started = append(started, cc)
	}
	j.mu.Lock()
	j.consumes = append(j.consumes, started...)
	j.mu.Unlock()
	go func() {
		<-ctx.Done()
		stopAll(started)
	}()
	obs.Logger.Info("consumer_started", "topic", sub.Topic, "group", sub.Group, "workers", n, "partitions", parts)
	return nil
}

func (j *JetStream) handle(ctx context.Context, sub Subscription, partition int, m jetstream.Msg) {
	msg := Message{
		Topic:     sub.Topic,
		Key:       m.Headers().Get(keyHeader),
		Partition: partition,
		Payload:   m.Data(),
	}
	if md, err := m.Metadata(); err == nil {
		msg.Offset = int64(md.Sequence.Stream)
		msg.Timestamp = md.Timestamp
	}
	if err := sub.Handler(ctx, msg); err != nil {
		obs.Logger.Warn("event_redelivery", "topic", msg.Topic, "group", sub.Group, "partition", partition, "offset", msg.Offset, "error", err)
		if nerr := m.NakWithDelay(j.opts.RedeliveryDelay); nerr != nil {
			obs.Logger.Warn("event_nak_failed", "topic", msg.Topic, "group", sub.Group, "error", nerr)
		}
		return
	}
	if err := m.Ack(); err != nil {
		obs.Logger.Warn("event_ack_failed", "topic", msg.Topic, "group", sub.Group, "offset", msg.Offset, "error", err)
	}
}

func stopAll(ccs []jetstream.ConsumeContext) {
	for _, cc := range ccs {
		cc.Stop()
	}
}

// Close stops every consumer and drains the connection.
func (j *JetStream) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	ccs := j.consumes
	j.consumes = nil
	j.mu.Unlock()
	stopAll(ccs)
	return j.conn.Drain()
}
