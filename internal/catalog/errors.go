package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an absent product.
	ErrNotFound = errors.New("product not found")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError lists the problems found with a write request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError is a record store failure. Nothing downstream of the
// record store was touched.
type PersistenceError struct {
	Op  string
	ID  int64
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("record store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("record store %s %d: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SecondaryStoreError is a cache or index failure after the record store
// committed. The write stands; the secondary store converges on a later
// write, TTL expiry or reindex.
type SecondaryStoreError struct {
	Store string
	Op    string
	Key   string
	Err   error
}

func (e *SecondaryStoreError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *SecondaryStoreError) Unwrap() error { return e.Err }
