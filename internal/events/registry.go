package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// Registry is the explicit list of consumer subscriptions a process runs.
type Registry struct {
	mu     sync.Mutex
	subs   []Subscription
	policy RetryPolicy
}

// NewRegistry returns a Registry that wraps every handler with policy.
func NewRegistry(policy RetryPolicy) *Registry {
	return &Registry{policy: policy}
}

// Register adds a subscription. A topic can be bound once per group.
func (r *Registry) Register(topic, group string, concurrency int, h Handler) error {
	if topic == "" || group == "" || h == nil {
		return fmt.Errorf("register %q/%q: topic, group and handler are required", topic, group)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Topic == topic && s.Group == group {
			return fmt.Errorf("register %q/%q: already registered", topic, group)
		}
	}
	r.subs = append(r.subs, Subscription{Topic: topic, Group: group, Concurrency: concurrency, Handler: h})
	return nil
}

// Subscriptions returns the registered subscriptions.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Subscription(nil), r.subs...)
}

// Start subscribes every registered handler on ch, wrapped in the retry
// policy.
func (r *Registry) Start(ctx context.Context, ch Channel) error {
	subs := r.Subscriptions()
	for _, s := range subs {
		s.Handler = r.policy.Wrap(s.Group, s.Handler)
		if err := ch.Subscribe(ctx, s); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", s.Topic, s.Group, err)
		}
	}
	obs.Logger.Info("consumers_registered", "count", len(subs))
	return nil
}
