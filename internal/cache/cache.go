// Package cache provides the TTL-bounded key/value accelerator that sits in
// front of the record store.
//
// Values are stored inside a type-tagged envelope; a reader asking for a
// different tag, or finding a payload it cannot decode, sees a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a best-effort byte cache. A zero ttl means no expiry.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Put stores v under key wrapped in an envelope tagged with typ.
func Put[T any](ctx context.Context, c Cache, key, typ string, v T, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typ, err)
	}
	b, err := json.Marshal(envelope{Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return c.Set(ctx, key, b, ttl)
}

// Fetch loads the value stored under key. A missing key, a tag other than
// typ, or an undecodable payload all report ok=false with a nil error; only
// cache transport failures are returned as errors.
func Fetch[T any](ctx context.Context, c Cache, key, typ string) (v T, ok bool, err error) {
	b, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return v, false, err
	}
	var env envelope
	if json.Unmarshal(b, &env) != nil || env.Type != typ {
		return v, false, nil
	}
	if json.Unmarshal(env.Payload, &v) != nil {
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}
