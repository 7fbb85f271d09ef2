// Package store holds the authoritative product record store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// ErrConstraint is returned when a write violates a store constraint.
var ErrConstraint = errors.New("constraint violation")

// RecordStore is the system of record for products. It is the only component
// that assigns product identity.
type RecordStore interface {
	// Save inserts p when p.ID is zero, assigning a new id, and otherwise
	// replaces the record with that id.
	Save(ctx context.Context, p model.Product) (model.Product, error)
	FindByID(ctx context.Context, id int64) (model.Product, bool, error)
	// FindAll returns every product ordered by id.
	FindAll(ctx context.Context) ([]model.Product, error)
	DeleteByID(ctx context.Context, id int64) error
}

// Memory is an in-process RecordStore. Concurrent saves to the same id are
// last-writer-wins.
type Memory struct {
	mu     sync.RWMutex
	m      map[int64]model.Product
	nextID int64
}

var _ RecordStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{m: make(map[int64]model.Product)}
}

func (s *Memory) Save(ctx context.Context, p model.Product) (model.Product, error) {
	if err := ctx.Err(); err != nil {
		return model.Product{}, err
	}
	if p.Name == "" {
		return model.Product{}, ErrConstraint
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	} else if _, ok := s.m[p.ID]; !ok {
		// explicit ids may come from a replay; keep the sequence ahead of them
		if p.ID > s.nextID {
			s.nextID = p.ID
		}
	}
	s.m[p.ID] = p
	return p, nil
}

func (s *Memory) FindByID(ctx context.Context, id int64) (model.Product, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Product{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[id]
	return p, ok, nil
}

func (s *Memory) FindAll(ctx context.Context) ([]model.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.Product, 0, len(s.m))
	for _, p := range s.m {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeleteByID(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}
