package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// AsyncPublisherOptions configures NewAsyncPublisher.
type AsyncPublisherOptions struct {
	// Workers is the number of lanes. Events with the same key share a lane
	// and are published in order by its single worker.
	Workers int
	// Buffer is the total channel capacity, split evenly across lanes.
	Buffer        int
	HighWatermark int
	// Timeout bounds each publish call to the channel.
	Timeout time.Duration
}

// AsyncPublisher moves publishing off the caller's path. Publish only
// enqueues; workers hand events to the channel in the background. A failed
// publish is logged as a ChannelError and dropped.
type AsyncPublisher struct {
	opts AsyncPublisherOptions
	ch   Publisher
	q    *outbox
	seq  Sequencer

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	workerCancels []context.CancelFunc
	wg            sync.WaitGroup

	failed atomic.Uint64
}

// NewAsyncPublisher constructs an AsyncPublisher over ch.
func NewAsyncPublisher(ch Publisher, opts AsyncPublisherOptions) *AsyncPublisher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	laneBuffer := 0
	if opts.Buffer > 0 {
		laneBuffer = max(opts.Buffer/opts.Workers, 1)
	}
	return &AsyncPublisher{opts: opts, ch: ch, q: newOutbox(opts.Workers, laneBuffer)}
}

// Start begins publishing in the background.
func (p *AsyncPublisher) Start(parent context.Context) {
	p.ctx, p.cancel = context.WithCancel(parent)
	p.q.start(p.ctx, p.opts.HighWatermark)
	p.addWorkers()
}

// Stop cancels background routines and waits for workers to exit.
func (p *AsyncPublisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	for _, c := range p.workerCancels {
		c()
	}
	p.workerCancels = nil
	p.mu.Unlock()
	p.wg.Wait()
}

// addWorkers starts one worker per outbox lane.
func (p *AsyncPublisher) addWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.q.lanes {
		wctx, cancel := context.WithCancel(p.ctx)
		p.workerCancels = append(p.workerCancels, cancel)
		p.wg.Add(1)
		go p.worker(wctx, p.q.laneOut(i))
	}
	obs.Logger.Info("publishers_started", "worker_count", len(p.workerCancels))
}

// worker publishes one lane, one event at a time.
func (p *AsyncPublisher) worker(ctx context.Context, in <-chan outgoing) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			p.send(ctx, ev)
			p.q.markProcessed()
		}
	}
}

func (p *AsyncPublisher) send(ctx context.Context, ev outgoing) {
	pctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.ch.Publish(pctx, ev.Topic, ev.Key, ev.Payload); err != nil {
		p.failed.Add(1)
		obs.EventsPublished.WithLabelValues(ev.Topic, "error").Inc()
		cerr := &ChannelError{Topic: ev.Topic, Key: ev.Key, Err: err}
		obs.Logger.Error("event_publish_failed", "sequence", ev.Sequence, "topic", ev.Topic, "key", ev.Key, "error", cerr)
		return
	}
	obs.EventsPublished.WithLabelValues(ev.Topic, "ok").Inc()
}

// Publish enqueues an event and returns immediately. It reports false, and
// logs the event as lost, once intake is closed.
func (p *AsyncPublisher) Publish(topic, key string, payload []byte) bool {
	ev := outgoing{Topic: topic, Key: key, Payload: payload, Sequence: p.seq.Next()}
	if !p.q.enqueue(ev) {
		p.failed.Add(1)
		obs.EventsPublished.WithLabelValues(topic, "rejected").Inc()
		obs.Logger.Warn("event_publish_rejected", "sequence", ev.Sequence, "topic", topic, "key", key,
			"error", &ChannelError{Topic: topic, Key: key, Err: ErrClosed})
		return false
	}
	return true
}

// CloseIntake disallows future publishes.
func (p *AsyncPublisher) CloseIntake() { p.q.closeIntake() }

// Depth returns events not yet handed to the channel.
func (p *AsyncPublisher) Depth() int { return p.q.depth() }

// Metrics returns counters for observability.
func (p *AsyncPublisher) Metrics() (enq, proc, failed uint64, depth int) {
	return p.q.enqueued.Load(), p.q.processed.Load(), p.failed.Load(), p.q.depth()
}

// DrainUntil blocks until every enqueued event was handed to the channel or
// ctx is done.
func (p *AsyncPublisher) DrainUntil(ctx context.Context) bool {
	for {
		enq, proc, _, depth := p.Metrics()
		if depth == 0 && enq == proc {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
