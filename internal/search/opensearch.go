package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	es "github.com/opensearch-project/opensearch-go/v2"
	esapi "github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

// OpenSearch is an Index backed by an opensearch (or elasticsearch) cluster.
type OpenSearch struct {
	client *es.Client
	index  string
	// Refresh is passed on every write; "wait_for" makes writes visible to
	// the next search.
	Refresh string
}

var _ Index = (*OpenSearch)(nil)

// NewClient builds an opensearch client for hosts.
func NewClient(hosts []string, username, password string) (*es.Client, error) {
	cfg := es.Config{
		Addresses: hosts,
		Username:  username,
		Password:  password,
	}
	escli, err := es.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up client: %w", err)
	}
	return escli, nil
}

func NewOpenSearch(client *es.Client, index string) *OpenSearch {
	return &OpenSearch{client: client, index: index, Refresh: "wait_for"}
}

type esHit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
	} `json:"items"`
}

// checkResponse drains res and turns an error status into an error.
func checkResponse(res *esapi.Response, what string) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", what, err)
	}
	if res.IsError() {
		obs.Logger.Warn("opensearch_error", "op", what, "status_code", res.StatusCode, "body", string(body))
		return body, fmt.Errorf("%s error, code=%d", what, res.StatusCode)
	}
	return body, nil
}

func (o *OpenSearch) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{o.index}}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	b, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	res, err = esapi.IndicesCreateRequest{Index: o.index, Body: bytes.NewReader(b)}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	_, err = checkResponse(res, "create index")
	return err
}

// upsertBody keeps view_count and created_at of an existing document and
// writes the full document when none exists.
func upsertBody(doc model.ProductDocument) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var partial map[string]any
	if err := json.Unmarshal(b, &partial); err != nil {
		return nil, err
	}
	delete(partial, "view_count")
	delete(partial, "created_at")
	return map[string]any{"doc": partial, "upsert": doc}, nil
}

func (o *OpenSearch) Upsert(ctx context.Context, doc model.ProductDocument) error {
	body, err := upsertBody(doc)
	if err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	retries := 3
	res, err := esapi.UpdateRequest{
		Index:           o.index,
		DocumentID:      doc.ID,
		Body:            bytes.NewReader(b),
		Refresh:         o.Refresh,
		RetryOnConflict: &retries,
	}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to send indexing request: %w", err)
	}
	_, err = checkResponse(res, "indexing")
	return err
}

func (o *OpenSearch) UpsertBulk(ctx context.Context, docs []model.ProductDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		body, err := upsertBody(d)
		if err != nil {
			return err
		}
		meta := map[string]any{"update": map[string]any{"_id": d.ID, "retry_on_conflict": 3}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(body); err != nil {
			return err
		}
	}
	res, err := esapi.BulkRequest{Index: o.index, Body: &buf, Refresh: o.Refresh}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to send bulk request: %w", err)
	}
	body, err := checkResponse(res, "bulk")
	if err != nil {
		return err
	}
	var out esBulkResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if !out.Errors {
		return nil
	}
	failed := 0
	for _, item := range out.Items {
		for _, r := range item {
			if r.Status >= 300 {
				failed++
				obs.Logger.Warn("opensearch_bulk_item_failed", "id", r.ID, "status_code", r.Status, "error", string(r.Error))
			}
		}
	}
	return fmt.Errorf("bulk upsert: %d of %d documents failed", failed, len(docs))
}

func (o *OpenSearch) Delete(ctx context.Context, id string) error {
	res, err := esapi.DeleteRequest{
		Index:      o.index,
		DocumentID: id,
		Refresh:    o.Refresh,
	}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil
	}
	_, err = checkResponse(res, "delete")
	return err
}

func (o *OpenSearch) IncrementViews(ctx context.Context, id string, n int64) error {
	b, err := json.Marshal(map[string]any{
		"script": map[string]any{
			"source": "if (ctx._source.view_count == null) { ctx._source.view_count = params.n } else { ctx._source.view_count += params.n }",
			"lang":   "painless",
			"params": map[string]any{"n": n},
		},
	})
	if err != nil {
		return err
	}
	retries := 3
	res, err := esapi.UpdateRequest{
		Index:           o.index,
		DocumentID:      id,
		Body:            bytes.NewReader(b),
		RetryOnConflict: &retries,
	}.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("failed to send view update: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return ErrNotFound
	}
	_, err = checkResponse(res, "view update")
	return err
}

func (o *OpenSearch) Search(ctx context.Context, q Query) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}
	b, err := json.Marshal(q.body())
	if err != nil {
		return Page{}, fmt.Errorf("failed to serialize query: %w", err)
	}
	obs.Logger.Debug("sending query", "index", o.index, "kind", q.Kind.String(), "query", string(b))

	res, err := o.client.Search(
		o.client.Search.WithContext(ctx),
		o.client.Search.WithIndex(o.index),
		o.client.Search.WithBody(bytes.NewReader(b)),
	)
	if err != nil {
		return Page{}, fmt.Errorf("search query error: %w", err)
	}
	raw, err := checkResponse(res, "search query")
	if err != nil {
		return Page{}, err
	}
	var out esSearchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Page{}, fmt.Errorf("decoding search response: %w", err)
	}
	page := Page{Total: out.Hits.Total.Value, Page: q.Page, Size: q.size(), Content: make([]model.ProductDocument, 0, len(out.Hits.Hits))}
	for _, h := range out.Hits.Hits {
		var d model.ProductDocument
		if err := json.Unmarshal(h.Source, &d); err != nil {
			return Page{}, fmt.Errorf("decoding hit %s: %w", h.ID, err)
		}
		if d.ID == "" {
			d.ID = h.ID
		}
		page.Content = append(page.Content, d)
	}
	return page, nil
}
