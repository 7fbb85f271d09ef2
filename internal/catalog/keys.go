package catalog

import "strconv"

// listKey caches the full ordered product list.
const listKey = "products:all"

// Envelope tags for cached values.
const (
	productType = "product"
	listType    = "product_list"
)

func productKey(id int64) string { return "product:" + strconv.FormatInt(id, 10) }
