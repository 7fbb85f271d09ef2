package httpapi

import (
	"expvar"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/products", app.createProductHandler)
	mux.HandleFunc("GET /api/products", app.listProductsHandler)
	mux.HandleFunc("GET /api/products/{id}", app.getProductHandler)
	mux.HandleFunc("PUT /api/products/{id}", app.updateProductHandler)
	mux.HandleFunc("DELETE /api/products/{id}", app.deleteProductHandler)
	mux.HandleFunc("POST /api/products/{id}/views", app.recordViewHandler)

	mux.HandleFunc("GET /api/search/products", app.searchTextHandler)
	mux.HandleFunc("GET /api/search/products/name", app.searchNameHandler)
	mux.HandleFunc("GET /api/search/products/category", app.searchCategoryHandler)
	mux.HandleFunc("GET /api/search/products/price", app.searchPriceHandler)
	mux.HandleFunc("GET /api/search/products/fuzzy", app.searchFuzzyHandler)
	mux.HandleFunc("GET /api/search/products/advanced", app.searchAdvancedHandler)
	mux.HandleFunc("GET /api/search/products/paginated", app.searchPaginatedHandler)
	mux.HandleFunc("GET /api/search/products/top", app.searchTopHandler)
	mux.HandleFunc("POST /api/search/reindex", app.reindexHandler)

	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/metrics", app.metricsHandler)
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.HandleFunc("GET /openapi.yaml", app.openapiHandler)
	mux.HandleFunc("GET /docs", app.docsHandler)
	return WithRequestID(WithLogging(mux))
}
