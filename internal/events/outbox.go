package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// outgoing is one event waiting to be published.
type outgoing struct {
	Topic    string
	Key      string
	Payload  []byte
	Sequence uint64
}

// lane is the FIFO for every key that maps onto it. Exactly one worker reads
// out, so events sharing a key reach the channel in enqueue order.
type lane struct {
	backlog []outgoing
	out     chan outgoing
}

// outbox is an unbounded intake split into lanes by partition key. A
// background broker moves each lane's backlog into its bounded channel, so
// enqueueing never blocks the request path.
type outbox struct {
	mu           sync.Mutex
	lanes        []*lane
	notify       chan struct{}
	shuttingDown atomic.Bool

	enqueued  atomic.Uint64
	processed atomic.Uint64
}

func newOutbox(lanes, laneBuffer int) *outbox {
	if lanes <= 0 {
		lanes = 1
	}
	if laneBuffer <= 0 {
		laneBuffer = 64
	}
	q := &outbox{notify: make(chan struct{}, 1)}
	for i := 0; i < lanes; i++ {
		q.lanes = append(q.lanes, &lane{out: make(chan outgoing, laneBuffer)})
	}
	return q
}

// laneOut returns the output channel of lane i.
func (q *outbox) laneOut(i int) <-chan outgoing { return q.lanes[i].out }

func (q *outbox) laneFor(key string) *lane {
	return q.lanes[partitionFor(key, len(q.lanes))]
}

// start runs the broker loop.
func (q *outbox) start(ctx context.Context, highWatermark int) {
	go q.broker(ctx, highWatermark)
}

func (q *outbox) broker(ctx context.Context, highWatermark int) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.flushOnce()
		if highWatermark > 0 {
			if sz := q.backlogSize(); sz > highWatermark {
				obs.Logger.Warn("outbox_backlog_high", "backlog_size", sz, "high_watermark", highWatermark)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// flushOnce moves as much of every lane's backlog as its channel holds. A
// full lane waits for its worker without holding back the others.
func (q *outbox) flushOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.lanes {
		n := 0
		for n < len(l.backlog) && len(l.out) < cap(l.out) {
			l.out <- l.backlog[n]
			n++
		}
		if n > 0 {
			l.backlog = l.backlog[n:]
		}
	}
}

// enqueue appends ev to its key's lane and wakes the broker.
func (q *outbox) enqueue(ev outgoing) bool {
	if q.shuttingDown.Load() {
		return false
	}
	q.enqueued.Add(1)
	q.mu.Lock()
	l := q.laneFor(ev.Key)
	l.backlog = append(l.backlog, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *outbox) backlogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.backlog)
	}
	return n
}

// depth counts events not yet taken by a worker.
func (q *outbox) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l.backlog) + len(l.out)
	}
	return n
}

func (q *outbox) markProcessed() { q.processed.Add(1) }

func (q *outbox) closeIntake() { q.shuttingDown.Store(true) }
