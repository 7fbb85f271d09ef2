package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process LRU cache with per-entry expiry.
type Memory struct {
	data *lru.Cache[string, entry]
	now  func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory returns a Memory cache holding at most capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 10_000
	}
	data, err := lru.New[string, entry](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Memory{data: data, now: time.Now}
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data.Add(key, e)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := m.data.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.data.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.data.Remove(key)
	return nil
}

// Len reports the number of entries, including expired ones not yet reaped.
func (m *Memory) Len() int { return m.data.Len() }
