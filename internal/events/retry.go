package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// RetryPolicy wraps a handler with a bounded number of in-place retries.
// A message still failing after Retries+1 attempts is published to the dead
// letter topic under its original key and then committed.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
	// DeadLetter receives exhausted messages.
	DeadLetter Publisher
}

// DefaultRetryPolicy retries twice, one second apart.
func DefaultRetryPolicy(dlt Publisher) RetryPolicy {
	return RetryPolicy{Retries: 2, Delay: time.Second, DeadLetter: dlt}
}

// Permanent marks err as not worth retrying; the message goes straight to the
// dead letter topic.
func Permanent(err error) error { return backoff.Permanent(err) }

// Wrap returns a handler applying the policy to h for group.
func (rp RetryPolicy) Wrap(group string, h Handler) Handler {
	retries := rp.Retries
	if retries < 0 {
		retries = 0
	}
	return func(ctx context.Context, msg Message) error {
		attempts := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, h(ctx, msg)
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(rp.Delay)),
			backoff.WithMaxTries(uint(retries+1)),
		)
		if err == nil {
			if attempts > 1 {
				obs.Logger.Info("event_recovered", "topic", msg.Topic, "group", group, "offset", msg.Offset, "attempts", attempts)
			}
			obs.EventsProcessed.WithLabelValues(msg.Topic, group, "ok").Inc()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// shutting down; leave the message uncommitted
			return ctxErr
		}
		perr := &ProcessingError{
			Topic: msg.Topic, Group: group, Key: msg.Key,
			Partition: msg.Partition, Offset: msg.Offset,
			Attempts: attempts, Err: err,
		}
		if rp.DeadLetter == nil {
			obs.Logger.Error("event_dropped", "error", perr)
			obs.EventsProcessed.WithLabelValues(msg.Topic, group, "dropped").Inc()
			return nil
		}
		if derr := rp.DeadLetter.Publish(ctx, msg.Topic+DeadLetterSuffix, msg.Key, msg.Payload); derr != nil {
			obs.Logger.Error("dead_letter_publish_failed", "error", perr, "dlt_error", derr)
			obs.EventsProcessed.WithLabelValues(msg.Topic, group, "error").Inc()
			return errors.Join(perr, &ChannelError{Topic: msg.Topic + DeadLetterSuffix, Key: msg.Key, Err: derr})
		}
		obs.Logger.Error("event_dead_lettered", "error", perr, "dlt", msg.Topic+DeadLetterSuffix)
		obs.EventsProcessed.WithLabelValues(msg.Topic, group, "dead_lettered").Inc()
		return nil
	}
}
