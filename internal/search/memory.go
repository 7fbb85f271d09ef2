package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/xrash/smetrics"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Memory is an in-process Index with opensearch-like matching: standard
// tokenization, OR-of-terms text matching and AUTO fuzziness.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]model.ProductDocument
}

var _ Index = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]model.ProductDocument)}
}

func (m *Memory) EnsureIndex(ctx context.Context) error { return nil }

func (m *Memory) Upsert(ctx context.Context, doc model.ProductDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.upsertLocked(doc)
	m.mu.Unlock()
	return nil
}

func (m *Memory) upsertLocked(doc model.ProductDocument) {
	if old, ok := m.docs[doc.ID]; ok {
		doc.ViewCount = old.ViewCount
		if !old.CreatedAt.IsZero() {
			doc.CreatedAt = old.CreatedAt
		}
	}
	m.docs[doc.ID] = doc
}

func (m *Memory) UpsertBulk(ctx context.Context, docs []model.ProductDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.upsertLocked(d)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrementViews(ctx context.Context, id string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	if n > 0 {
		d.ViewCount += n
	}
	m.docs[id] = d
	return nil
}

// Snapshot returns every document ordered by product id.
func (m *Memory) Snapshot() []model.ProductDocument {
	m.mu.RLock()
	out := make([]model.ProductDocument, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

type scored struct {
	doc   model.ProductDocument
	score int
}

func (m *Memory) Search(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	var hits []scored
	for _, d := range m.Snapshot() {
		if s := q.score(d); s > 0 {
			hits = append(hits, scored{doc: d, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if q.Kind == KindTopViewed && hits[i].doc.ViewCount != hits[j].doc.ViewCount {
			return hits[i].doc.ViewCount > hits[j].doc.ViewCount
		}
		return hits[i].score > hits[j].score
	})

	page := Page{Total: int64(len(hits)), Page: q.Page, Size: q.size(), Content: []model.ProductDocument{}}
	from := q.from()
	if from >= len(hits) {
		return page, nil
	}
	to := from + q.size()
	if to > len(hits) {
		to = len(hits)
	}
	for _, h := range hits[from:to] {
		page.Content = append(page.Content, h.doc)
	}
	return page, nil
}

// score returns 0 for a non-match, otherwise a relevance count.
func (q Query) score(d model.ProductDocument) int {
	switch q.Kind {
	case KindText:
		if strings.TrimSpace(q.Text) == "" {
			return 1
		}
		return termHits(tokenize(q.Text), tokenize(d.Name+" "+d.Description), exact)
	case KindName:
		return termHits(tokenize(q.Text), tokenize(d.Name), exact)
	case KindCategory:
		if d.Category == q.Text {
			return 1
		}
	case KindPriceRange:
		if d.Price.GreaterThanOrEqual(*q.MinPrice) && d.Price.LessThanOrEqual(*q.MaxPrice) {
			return 1
		}
	case KindFuzzy:
		return termHits(tokenize(q.Text), tokenize(d.Name+" "+d.Description), fuzzy)
	case KindAdvanced:
		s := 1
		if q.Name != nil {
			s = termHits(tokenize(*q.Name), tokenize(d.Name), exact)
			if s == 0 {
				return 0
			}
		}
		if q.MinPrice != nil && d.Price.LessThan(*q.MinPrice) {
			return 0
		}
		return s
	case KindTopViewed:
		return 1
	}
	return 0
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func exact(term, tok string) bool { return term == tok }

// fuzzy mirrors opensearch AUTO fuzziness: 0 edits for terms up to 2 runes,
// 1 edit up to 5, 2 edits beyond.
func fuzzy(term, tok string) bool {
	n := len([]rune(term))
	var allowed int
	switch {
	case n <= 2:
		allowed = 0
	case n <= 5:
		allowed = 1
	default:
		allowed = 2
	}
	return smetrics.WagnerFischer(term, tok, 1, 1, 1) <= allowed
}

func termHits(terms, toks []string, eq func(term, tok string) bool) int {
	hits := 0
	for _, term := range terms {
		for _, tok := range toks {
			if eq(term, tok) {
				hits++
				break
			}
		}
	}
	return hits
}
