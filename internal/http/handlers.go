package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/product-catalog-service/internal/catalog"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	httpopenapi "github.com/fairyhunter13/product-catalog-service/internal/http/openapi"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
)

// App holds the handlers' collaborators.
type App struct {
	Catalog   *catalog.Service
	Publisher *events.AsyncPublisher
	closing   atomic.Bool
	started   time.Time
}

// NewApp constructs an App. pub may be nil when events are disabled.
func NewApp(svc *catalog.Service, pub *events.AsyncPublisher) *App {
	return &App{Catalog: svc, Publisher: pub, started: time.Now()}
}

// StartShutdown makes write endpoints answer 503 and stops event intake.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	if a.Publisher != nil {
		a.Publisher.CloseIntake()
	}
}

type productRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Stock       int64           `json:"stock"`
}

func (p productRequest) fields() model.Fields {
	return model.Fields{Name: p.Name, Description: p.Description, Category: p.Category, Price: p.Price, Stock: p.Stock}
}

type productResponse struct {
	model.Product
	Warnings []string `json:"warnings,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeProduct reads a product body, answering the request itself on
// failure.
func (a *App) decodeProduct(w http.ResponseWriter, r *http.Request) (productRequest, bool) {
	var req productRequest
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return req, false
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return req, false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return req, false
	}
	return req, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteJSONError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (a *App) createProductHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeProduct(w, r)
	if !ok {
		return
	}
	res, err := a.Catalog.Create(r.Context(), req.fields())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/products/"+res.Product.DocID())
	writeJSON(w, http.StatusCreated, productResponse{Product: res.Product, Warnings: res.Warnings})
}

func (a *App) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.Catalog.GetAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *App) getProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, found, err := a.Catalog.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !found {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) updateProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, ok := a.decodeProduct(w, r)
	if !ok {
		return
	}
	res, err := a.Catalog.Update(r.Context(), id, req.fields())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse{Product: res.Product, Warnings: res.Warnings})
}

func (a *App) deleteProductHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	if _, err := a.Catalog.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type viewRequest struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

func (a *App) recordViewHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req viewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	if err := a.Catalog.RecordView(r.Context(), id, req.UserID, req.Source); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *App) search(w http.ResponseWriter, r *http.Request, q search.Query) {
	page, err := a.Catalog.Search(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if q.Paged && q.Kind != search.KindTopViewed {
		writeJSON(w, http.StatusOK, page)
		return
	}
	writeJSON(w, http.StatusOK, page.Content)
}

func requiredParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		WriteJSONError(w, http.StatusBadRequest, "missing_parameter", name+" is required")
		return "", false
	}
	return v, true
}

func decimalParam(w http.ResponseWriter, r *http.Request, name string) (*decimal.Decimal, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil, true
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_parameter", name+" must be a decimal number")
		return nil, false
	}
	return &d, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_parameter", name+" must be an integer")
		return 0, false
	}
	return n, true
}

func (a *App) searchTextHandler(w http.ResponseWriter, r *http.Request) {
	a.search(w, r, search.Text(r.URL.Query().Get("q")))
}

func (a *App) searchNameHandler(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredParam(w, r, "name")
	if !ok {
		return
	}
	a.search(w, r, search.Name(name))
}

func (a *App) searchCategoryHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := requiredParam(w, r, "category")
	if !ok {
		return
	}
	a.search(w, r, search.Category(c))
}

func (a *App) searchPriceHandler(w http.ResponseWriter, r *http.Request) {
	min, ok := decimalParam(w, r, "minPrice")
	if !ok {
		return
	}
	max, ok := decimalParam(w, r, "maxPrice")
	if !ok {
		return
	}
	if min == nil || max == nil {
		WriteJSONError(w, http.StatusBadRequest, "missing_parameter", "minPrice and maxPrice are required")
		return
	}
	a.search(w, r, search.PriceRange(*min, *max))
}

func (a *App) searchFuzzyHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := requiredParam(w, r, "q")
	if !ok {
		return
	}
	a.search(w, r, search.Fuzzy(q))
}

func (a *App) searchAdvancedHandler(w http.ResponseWriter, r *http.Request) {
	min, ok := decimalParam(w, r, "minPrice")
	if !ok {
		return
	}
	var name *string
	if v := r.URL.Query().Get("name"); v != "" {
		name = &v
	}
	a.search(w, r, search.Advanced(name, min))
}

func (a *App) searchPaginatedHandler(w http.ResponseWriter, r *http.Request) {
	page, ok := intParam(w, r, "page", 0)
	if !ok {
		return
	}
	size, ok := intParam(w, r, "size", search.DefaultPageSize)
	if !ok {
		return
	}
	if r.URL.Query().Get("size") != "" && size == 0 {
		// an explicit zero is invalid rather than the default
		size = -1
	}
	a.search(w, r, search.Paginated(r.URL.Query().Get("q"), page, size))
}

func (a *App) searchTopHandler(w http.ResponseWriter, r *http.Request) {
	n, ok := intParam(w, r, "n", 10)
	if !ok {
		return
	}
	a.search(w, r, search.TopViewed(n))
}

func (a *App) reindexHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.Catalog.ReindexAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reindexed": n})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if a.closing.Load() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{
		"uptime_sec": time.Since(a.started).Seconds(),
	}
	if a.Publisher != nil {
		enq, proc, failed, depth := a.Publisher.Metrics()
		m["events_enqueued"] = enq
		m["events_published"] = proc
		m["events_failed"] = failed
		m["queue_depth"] = depth
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Product Catalog API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}
