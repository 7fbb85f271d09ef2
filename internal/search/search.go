// Package search maintains the denormalized product projection used for
// free-text, field, range and fuzzy queries.
//
// The index is never authoritative. Documents are keyed by the decimal
// string of the record id so every write is an idempotent upsert, and the
// whole index may be rebuilt from the record store at any time.
package search

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

var (
	// ErrNotFound is returned when a document to be modified is absent.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidPage is returned for a negative page or non-positive size.
	ErrInvalidPage = errors.New("invalid page request")
)

// MaxResults caps the hits returned by non-paginated queries.
const MaxResults = 1000

// DefaultPageSize is used by Paginated when size is zero.
const DefaultPageSize = 10

// Index is the search projection of the catalog.
type Index interface {
	// EnsureIndex provisions the index and mapping when absent.
	EnsureIndex(ctx context.Context) error
	// Upsert writes doc by id, keeping the stored view count and creation
	// date of an existing document.
	Upsert(ctx context.Context, doc model.ProductDocument) error
	UpsertBulk(ctx context.Context, docs []model.ProductDocument) error
	// Delete removes the document; deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, q Query) (Page, error)
	// IncrementViews adds n to the document view count.
	IncrementViews(ctx context.Context, id string, n int64) error
}

// Kind selects the query shape.
type Kind int

const (
	KindText Kind = iota
	KindName
	KindCategory
	KindPriceRange
	KindFuzzy
	KindAdvanced
	KindTopViewed
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindName:
		return "name"
	case KindCategory:
		return "category"
	case KindPriceRange:
		return "price_range"
	case KindFuzzy:
		return "fuzzy"
	case KindAdvanced:
		return "advanced"
	case KindTopViewed:
		return "top_viewed"
	}
	return "unknown"
}

// Query describes a search. Build one with the constructors below; user
// supplied text is only ever used as a match value, never as query syntax.
type Query struct {
	Kind     Kind
	Text     string
	Name     *string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal

	// Paged queries return one page; others return up to MaxResults hits.
	Paged bool
	Page  int
	Size  int
}

// Text matches q against name and description. A blank q matches every
// document.
func Text(q string) Query { return Query{Kind: KindText, Text: q} }

// Name matches against the name field only.
func Name(name string) Query { return Query{Kind: KindName, Text: name} }

// Category matches the category exactly.
func Category(category string) Query { return Query{Kind: KindCategory, Text: category} }

// PriceRange matches min <= price <= max.
func PriceRange(min, max decimal.Decimal) Query {
	return Query{Kind: KindPriceRange, MinPrice: &min, MaxPrice: &max}
}

// Fuzzy matches name or description tolerating edits scaled by term length.
func Fuzzy(q string) Query { return Query{Kind: KindFuzzy, Text: q} }

// Advanced conjuncts an optional name match with an optional minimum price.
// Nil or blank filters are left out; with no filters every document matches.
func Advanced(name *string, minPrice *decimal.Decimal) Query {
	q := Query{Kind: KindAdvanced, MinPrice: minPrice}
	if name != nil && strings.TrimSpace(*name) != "" {
		n := *name
		q.Name = &n
	}
	return q
}

// Paginated is Text(q) restricted to a zero-based page.
func Paginated(q string, page, size int) Query {
	if size == 0 {
		size = DefaultPageSize
	}
	return Query{Kind: KindText, Text: q, Paged: true, Page: page, Size: size}
}

// TopViewed returns the n most viewed documents.
func TopViewed(n int) Query {
	if n <= 0 {
		n = 10
	}
	return Query{Kind: KindTopViewed, Paged: true, Size: n}
}

// Validate reports ErrInvalidPage for an unusable page request.
func (q Query) Validate() error {
	if q.Paged && (q.Page < 0 || q.Size <= 0) {
		return ErrInvalidPage
	}
	// from+size must fit in an int
	if q.Paged && q.Page > (math.MaxInt-q.Size)/q.Size {
		return ErrInvalidPage
	}
	if q.Kind == KindPriceRange && (q.MinPrice == nil || q.MaxPrice == nil) {
		return errors.New("price range needs both bounds")
	}
	return nil
}

func (q Query) from() int {
	if !q.Paged {
		return 0
	}
	return q.Page * q.Size
}

func (q Query) size() int {
	if !q.Paged {
		return MaxResults
	}
	return q.Size
}

// Page is a slice of hits plus the total hit count.
type Page struct {
	Content []model.ProductDocument `json:"content"`
	Total   int64                   `json:"total"`
	Page    int                     `json:"page"`
	Size    int                     `json:"size"`
}
