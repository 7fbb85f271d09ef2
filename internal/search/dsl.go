package search

import (
	"strings"
)

var textFields = []string{"name", "description"}

// mapping is the index definition created by EnsureIndex.
var mapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":          map[string]any{"type": "keyword"},
			"product_id":  map[string]any{"type": "long"},
			"name":        map[string]any{"type": "text", "analyzer": "standard"},
			"description": map[string]any{"type": "text", "analyzer": "standard"},
			"category":    map[string]any{"type": "keyword"},
			"price":       map[string]any{"type": "scaled_float", "scaling_factor": 100},
			"stock":       map[string]any{"type": "integer"},
			"view_count":  map[string]any{"type": "long"},
			"created_at":  map[string]any{"type": "date", "format": "yyyy-MM-dd||strict_date_optional_time"},
			"updated_at":  map[string]any{"type": "date", "format": "yyyy-MM-dd||strict_date_optional_time"},
		},
	},
}

func matchAll() map[string]any {
	return map[string]any{"match_all": map[string]any{}}
}

// clause turns a Query into opensearch query DSL. Text values are passed to
// match-family queries, which analyze them as plain text.
func (q Query) clause() map[string]any {
	switch q.Kind {
	case KindText:
		if strings.TrimSpace(q.Text) == "" {
			return matchAll()
		}
		return map[string]any{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": textFields,
			},
		}
	case KindName:
		return map[string]any{
			"match": map[string]any{"name": map[string]any{"query": q.Text}},
		}
	case KindCategory:
		return map[string]any{
			"term": map[string]any{"category": map[string]any{"value": q.Text}},
		}
	case KindPriceRange:
		return map[string]any{
			"range": map[string]any{"price": map[string]any{
				"gte": q.MinPrice.InexactFloat64(),
				"lte": q.MaxPrice.InexactFloat64(),
			}},
		}
	case KindFuzzy:
		return map[string]any{
			"multi_match": map[string]any{
				"query":     q.Text,
				"fields":    textFields,
				"fuzziness": "AUTO",
			},
		}
	case KindAdvanced:
		var must []map[string]any
		if q.Name != nil {
			must = append(must, map[string]any{
				"match": map[string]any{"name": map[string]any{"query": *q.Name}},
			})
		}
		if q.MinPrice != nil {
			must = append(must, map[string]any{
				"range": map[string]any{"price": map[string]any{"gte": q.MinPrice.InexactFloat64()}},
			})
		}
		if len(must) == 0 {
			return matchAll()
		}
		return map[string]any{"bool": map[string]any{"must": must}}
	}
	return matchAll()
}

// body is the full _search request body.
func (q Query) body() map[string]any {
	b := map[string]any{
		"query":            q.clause(),
		"from":             q.from(),
		"size":             q.size(),
		"track_total_hits": true,
	}
	if q.Kind == KindTopViewed {
		b["sort"] = []map[string]any{
			{"view_count": map[string]any{"order": "desc"}},
			{"product_id": map[string]any{"order": "asc"}},
		}
	}
	return b
}
