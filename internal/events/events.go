// Package events carries product change notifications from the write path to
// independent consumer groups.
//
// A Channel is partitioned and ordered within a partition. Delivery is
// at-least-once, so handlers must be idempotent. Every consumer group reads
// with its own cursors and goroutines; a stuck group never holds back
// another.
package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

// DeadLetterSuffix is appended to a topic name to form its dead-letter topic.
const DeadLetterSuffix = "-dlt"

// Message is one delivered event.
type Message struct {
	Topic     string
	Key       string
	Partition int
	Offset    int64
	Payload   []byte
	Timestamp time.Time
}

// Handler processes one message. A non-nil error asks the channel to deliver
// the message again.
type Handler func(ctx context.Context, msg Message) error

// Subscription binds a handler to a topic for one consumer group.
type Subscription struct {
	Topic       string
	Group       string
	Concurrency int
	Handler     Handler
}

// Publisher sends payloads to a topic under a partition key.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Channel is a partitioned, at-least-once event channel.
type Channel interface {
	Publisher
	// Subscribe starts consuming in the background until ctx is done or the
	// channel is closed.
	Subscribe(ctx context.Context, sub Subscription) error
	Close() error
}

// PartitionKey returns the key routing all events of one product to the same
// partition: the id modulo the partition count.
func PartitionKey(id int64, partitions int) string {
	if partitions <= 0 {
		partitions = 1
	}
	k := id % int64(partitions)
	if k < 0 {
		k = -k
	}
	return strconv.FormatInt(k, 10)
}

// partitionFor maps a key onto one of n partitions. Numeric keys map by
// value so PartitionKey output lands on partition id mod n; other keys are
// hashed.
func partitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	if k, err := strconv.ParseInt(key, 10, 64); err == nil {
		if k < 0 {
			k = -k
		}
		return int(k % int64(n))
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// ownedPartitions lists the partitions served by worker w of n workers.
func ownedPartitions(w, n, partitions int) []int {
	var out []int
	for p := w; p < partitions; p += n {
		out = append(out, p)
	}
	return out
}

// ChannelError is a publish that the channel did not accept. The event is
// considered lost; producers do not retry it.
type ChannelError struct {
	Topic string
	Key   string
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("publish to %s (key %s): %v", e.Topic, e.Key, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ProcessingError is a consumer failure that exhausted its retry budget.
type ProcessingError struct {
	Topic     string
	Group     string
	Key       string
	Partition int
	Offset    int64
	Attempts  int
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("group %s failed %s[%d]@%d after %d attempts: %v",
		e.Group, e.Topic, e.Partition, e.Offset, e.Attempts, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
