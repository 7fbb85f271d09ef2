package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type fakeCluster struct {
	mu       sync.Mutex
	requests []recordedRequest
	reply    func(r recordedRequest) (int, string)
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(b)}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	status, body := http.StatusOK, `{}`
	if f.reply != nil {
		status, body = f.reply(rec)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeCluster) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func testOpenSearch(t *testing.T, f *fakeCluster) *OpenSearch {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	cli, err := NewClient([]string{srv.URL}, "admin", "admin")
	require.NoError(t, err)
	return NewOpenSearch(cli, "products_test")
}

func TestOpenSearchEnsureIndexCreatesWhenMissing(t *testing.T) {
	f := &fakeCluster{reply: func(r recordedRequest) (int, string) {
		if r.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusOK, `{"acknowledged":true}`
	}}
	o := testOpenSearch(t, f)
	require.NoError(t, o.EnsureIndex(context.Background()))
	req := f.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/products_test", req.Path)
	assert.Contains(t, req.Body, `"category":{"type":"keyword"}`)
}

func TestOpenSearchUpsertKeepsCounters(t *testing.T) {
	f := &fakeCluster{}
	o := testOpenSearch(t, f)
	require.NoError(t, o.Upsert(context.Background(), doc(5, "Widget", "", "Tools", "9.99")))
	req := f.last()
	assert.Equal(t, "/products_test/_update/5", req.Path)

	var body struct {
		Doc    map[string]any `json:"doc"`
		Upsert map[string]any `json:"upsert"`
	}
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.NotContains(t, body.Doc, "view_count")
	assert.NotContains(t, body.Doc, "created_at")
	assert.Equal(t, "Widget", body.Doc["name"])
	assert.Contains(t, body.Upsert, "view_count")
}

func TestOpenSearchBulkReportsItemFailures(t *testing.T) {
	f := &fakeCluster{reply: func(r recordedRequest) (int, string) {
		return http.StatusOK, `{"errors":true,"items":[{"update":{"_id":"1","status":200}},{"update":{"_id":"2","status":429,"error":{"type":"es_rejected_execution_exception"}}}]}`
	}}
	o := testOpenSearch(t, f)
	err := o.UpsertBulk(context.Background(), []model.ProductDocument{doc(1, "a", "", "x", "1"), doc(2, "b", "", "x", "1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")

	req := f.last()
	assert.Equal(t, "/products_test/_bulk", req.Path)
	lines := strings.Split(strings.TrimSpace(req.Body), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"1"`)
}

func TestOpenSearchDeleteMissingIsNoop(t *testing.T) {
	f := &fakeCluster{reply: func(r recordedRequest) (int, string) {
		return http.StatusNotFound, `{"result":"not_found"}`
	}}
	o := testOpenSearch(t, f)
	require.NoError(t, o.Delete(context.Background(), "42"))
	assert.Equal(t, http.MethodDelete, f.last().Method)
	assert.Equal(t, "/products_test/_doc/42", f.last().Path)

	assert.ErrorIs(t, o.IncrementViews(context.Background(), "42", 1), ErrNotFound)
}

func TestOpenSearchSearchDecodesPage(t *testing.T) {
	f := &fakeCluster{reply: func(r recordedRequest) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":15,"relation":"eq"},"hits":[
			{"_id":"1","_source":{"id":"1","product_id":1,"name":"Widget","price":"9.99","created_at":"2024-05-01"}},
			{"_id":"2","_source":{"product_id":2,"name":"Widget 2","price":10}}]}}`
	}}
	o := testOpenSearch(t, f)
	p, err := o.Search(context.Background(), Paginated("widget", 1, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 15, p.Total)
	require.Len(t, p.Content, 2)
	assert.Equal(t, "2", p.Content[1].ID, "id falls back to _id")
	assert.True(t, p.Content[0].Price.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, 2024, p.Content[0].CreatedAt.Year())

	req := f.last()
	assert.Equal(t, "/products_test/_search", req.Path)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.EqualValues(t, 2, body["from"])
	assert.EqualValues(t, 2, body["size"])
}

func TestOpenSearchSearchError(t *testing.T) {
	f := &fakeCluster{reply: func(r recordedRequest) (int, string) {
		return http.StatusBadRequest, `{"error":"bad"}`
	}}
	o := testOpenSearch(t, f)
	_, err := o.Search(context.Background(), Text("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code=400")
}
