// Package catalog orchestrates product writes and reads across the record
// store, the cache and the search index.
//
// The record store is authoritative. A write is persisted first; the cache
// and index are then brought up to date in a fixed order, and a failure in
// either is logged and reported as a warning without undoing the write.
// Change events are published off the request path for consumer groups.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/product-catalog-service/internal/cache"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// Publisher hands events to the channel without blocking the caller.
// *events.AsyncPublisher implements it.
type Publisher interface {
	Publish(topic, key string, payload []byte) bool
}

// Options tunes the service. Zero values take the defaults below.
type Options struct {
	ProductTTL time.Duration
	ListTTL    time.Duration
	// ReadTimeout bounds each cache call and each record store read
	// separately, so a stalled cache cannot spend the store's budget.
	ReadTimeout time.Duration

	ChangeTopic      string
	ViewTopic        string
	ChangePartitions int
	ViewPartitions   int

	// WarmConcurrency bounds parallel cache writes when warming from a list.
	WarmConcurrency int
}

func (o Options) withDefaults() Options {
	if o.ProductTTL <= 0 {
		o.ProductTTL = 10 * time.Minute
	}
	if o.ListTTL <= 0 {
		o.ListTTL = 5 * time.Minute
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.ChangeTopic == "" {
		o.ChangeTopic = "product-topic"
	}
	if o.ViewTopic == "" {
		o.ViewTopic = "product-views"
	}
	if o.ChangePartitions <= 0 {
		o.ChangePartitions = 5
	}
	if o.ViewPartitions <= 0 {
		o.ViewPartitions = 3
	}
	if o.WarmConcurrency <= 0 {
		o.WarmConcurrency = 8
	}
	return o
}

// Deps are the collaborators of a Service. Events may be nil.
type Deps struct {
	Store   store.RecordStore
	Cache   cache.Cache
	Index   search.Index
	Events  Publisher
	Options Options
}

// Service is the catalog orchestrator. It is safe for concurrent use.
type Service struct {
	store  store.RecordStore
	cache  cache.Cache
	index  search.Index
	events Publisher
	opts   Options
	now    func() time.Time
}

// New constructs a Service.
func New(d Deps) *Service {
	return &Service{
		store:  d.Store,
		cache:  d.Cache,
		index:  d.Index,
		events: d.Events,
		opts:   d.Options.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WriteResult is the outcome of a committed write. Warnings name the
// secondary stores that could not be updated.
type WriteResult struct {
	Product  model.Product `json:"product"`
	Warnings []string      `json:"warnings,omitempty"`
}

func (r *WriteResult) warn(err *SecondaryStoreError) {
	r.Warnings = append(r.Warnings, err.Error())
}

func validate(f model.Fields) error {
	var problems []string
	if strings.TrimSpace(f.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(f.Category) == "" {
		problems = append(problems, "category is required")
	}
	if f.Price.IsNegative() {
		problems = append(problems, "price must not be negative")
	}
	if f.Stock < 0 {
		problems = append(problems, "stock must not be negative")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Create persists a new product and indexes it. The product is not cached;
// the first read fills the cache. The cached list is evicted so it includes
// the new product.
func (s *Service) Create(ctx context.Context, f model.Fields) (WriteResult, error) {
	if err := validate(f); err != nil {
		return WriteResult{}, err
	}
	saved, err := s.store.Save(ctx, f.Apply(model.Product{}))
	if err != nil {
		return WriteResult{}, &PersistenceError{Op: "create", Err: err}
	}
	obs.ProductWrites.WithLabelValues(model.OpCreate).Inc()
	obs.Logger.Info("product_created", "product_id", saved.ID)

	res := WriteResult{Product: saved}
	if serr := s.cacheDelete(ctx, listKey); serr != nil {
		res.warn(serr)
	}
	if serr := s.indexUpsert(ctx, saved); serr != nil {
		res.warn(serr)
	}
	s.publishChange(model.OpCreate, saved)
	return res, nil
}

// Update replaces every mutable field of product id. The product cache entry
// is refreshed, the list entry evicted, and the document re-indexed, in that
// order.
//
// An absent product is ErrNotFound even when f is also invalid.
//
// Concurrent updates of the same product are last-writer-wins; an update
// can overwrite one it never saw.
func (s *Service) Update(ctx context.Context, id int64, f model.Fields) (WriteResult, error) {
	current, ok, err := s.store.FindByID(ctx, id)
	if err != nil {
		return WriteResult{}, &PersistenceError{Op: "find", ID: id, Err: err}
	}
	if !ok {
		return WriteResult{}, ErrNotFound
	}
	if err := validate(f); err != nil {
		return WriteResult{}, err
	}
	saved, err := s.store.Save(ctx, f.Apply(current))
	if err != nil {
		return WriteResult{}, &PersistenceError{Op: "update", ID: id, Err: err}
	}
	obs.ProductWrites.WithLabelValues(model.OpUpdate).Inc()
	obs.Logger.Info("product_updated", "product_id", id)

	res := WriteResult{Product: saved}
	if serr := s.cacheProduct(ctx, saved); serr != nil {
		res.warn(serr)
	}
	if serr := s.cacheDelete(ctx, listKey); serr != nil {
		res.warn(serr)
	}
	if serr := s.indexUpsert(ctx, saved); serr != nil {
		res.warn(serr)
	}
	s.publishChange(model.OpUpdate, saved)
	return res, nil
}

// Delete removes product id from every store. Deleting an absent product
// is a no-op.
func (s *Service) Delete(ctx context.Context, id int64) (WriteResult, error) {
	current, ok, err := s.store.FindByID(ctx, id)
	if err != nil {
		return WriteResult{}, &PersistenceError{Op: "find", ID: id, Err: err}
	}
	if !ok {
		return WriteResult{}, nil
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return WriteResult{}, &PersistenceError{Op: "delete", ID: id, Err: err}
	}
	obs.ProductWrites.WithLabelValues(model.OpDelete).Inc()
	obs.Logger.Info("product_deleted", "product_id", id)

	res := WriteResult{Product: current}
	if serr := s.cacheDelete(ctx, productKey(id)); serr != nil {
		res.warn(serr)
	}
	if serr := s.cacheDelete(ctx, listKey); serr != nil {
		res.warn(serr)
	}
	if err := s.index.Delete(ctx, current.DocID()); err != nil {
		res.warn(s.secondary("index", "delete", current.DocID(), err))
	}
	s.publishChange(model.OpDelete, current)
	return res, nil
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ReadTimeout)
}

func (s *Service) fetchProduct(ctx context.Context, id int64) (model.Product, bool) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	p, hit, err := cache.Fetch[model.Product](ctx, s.cache, productKey(id), productType)
	s.lookup("product", hit, err)
	return p, hit
}

func (s *Service) fetchList(ctx context.Context) ([]model.Product, bool) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	list, hit, err := cache.Fetch[[]model.Product](ctx, s.cache, listKey, listType)
	s.lookup("list", hit, err)
	return list, hit && list != nil
}

func (s *Service) findByID(ctx context.Context, id int64) (model.Product, bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.FindByID(ctx, id)
}

// GetByID returns product id, reading through the cache. A found product
// counts as one view.
func (s *Service) GetByID(ctx context.Context, id int64) (model.Product, bool, error) {
	if p, hit := s.fetchProduct(ctx, id); hit {
		s.publishView(id, "", "get")
		return p, true, nil
	}
	p, ok, err := s.findByID(ctx, id)
	if err != nil {
		return model.Product{}, false, &PersistenceError{Op: "find", ID: id, Err: err}
	}
	if !ok {
		return model.Product{}, false, nil
	}
	s.cacheProduct(ctx, p)
	s.publishView(id, "", "get")
	return p, true, nil
}

// GetAll returns every product ordered by id, reading through the cache.
// Loading from the record store also warms each product's entry.
func (s *Service) GetAll(ctx context.Context) ([]model.Product, error) {
	if list, hit := s.fetchList(ctx); hit {
		return list, nil
	}
	sctx, cancel := s.bounded(ctx)
	list, err := s.store.FindAll(sctx)
	cancel()
	if err != nil {
		return nil, &PersistenceError{Op: "find_all", Err: err}
	}
	if len(list) == 0 {
		return []model.Product{}, nil
	}
	s.cachePut(ctx, listKey, listType, list, s.opts.ListTTL)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.WarmConcurrency)
	for _, p := range list {
		g.Go(func() error {
			s.cacheProduct(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return list, nil
}

// RecordView publishes a view of product id. Unknown products are rejected.
func (s *Service) RecordView(ctx context.Context, id int64, userID, source string) error {
	_, ok, err := s.findByID(ctx, id)
	if err != nil {
		return &PersistenceError{Op: "find", ID: id, Err: err}
	}
	if !ok {
		return ErrNotFound
	}
	if source == "" {
		source = "api"
	}
	s.publishView(id, userID, source)
	return nil
}

// ReindexAll rebuilds the search projection from the record store and
// returns the number of documents written. Running it again, or alongside
// writes, yields the same index.
//
// A product deleted after the snapshot was read would be written back by
// the bulk upsert, so the store is read again afterwards and those
// documents are removed. A delete that lands after the second read removes
// its own document.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	list, err := s.store.FindAll(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "find_all", Err: err}
	}
	docs := make([]model.ProductDocument, 0, len(list))
	for _, p := range list {
		docs = append(docs, model.Document(p))
	}
	if len(docs) == 0 {
		obs.Logger.Info("reindex_completed", "documents", 0)
		return 0, nil
	}
	if err := s.index.UpsertBulk(ctx, docs); err != nil {
		return 0, s.secondary("index", "bulk_upsert", "all", err)
	}
	obs.DocumentsReindexed.Add(float64(len(docs)))

	after, err := s.store.FindAll(ctx)
	if err != nil {
		return len(docs), &PersistenceError{Op: "find_all", Err: err}
	}
	live := make(map[int64]struct{}, len(after))
	for _, p := range after {
		live[p.ID] = struct{}{}
	}
	for _, p := range list {
		if _, ok := live[p.ID]; ok {
			continue
		}
		if err := s.index.Delete(ctx, p.DocID()); err != nil {
			return len(docs), s.secondary("index", "delete", p.DocID(), err)
		}
	}
	obs.Logger.Info("reindex_completed", "documents", len(docs))
	return len(docs), nil
}

// Search runs q against the index.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Page, error) {
	if err := q.Validate(); err != nil {
		return search.Page{}, err
	}
	p, err := s.index.Search(ctx, q)
	if err != nil {
		return search.Page{}, fmt.Errorf("search %s: %w", q.Kind, err)
	}
	return p, nil
}

func (s *Service) lookup(kind string, hit bool, err error) {
	switch {
	case err != nil:
		obs.CacheLookups.WithLabelValues(kind, "error").Inc()
		if !errors.Is(err, context.Canceled) {
			obs.Logger.Warn("cache_error", "op", "get", "kind", kind, "error", err)
		}
	case hit:
		obs.CacheLookups.WithLabelValues(kind, "hit").Inc()
	default:
		obs.CacheLookups.WithLabelValues(kind, "miss").Inc()
	}
}

func (s *Service) cacheProduct(ctx context.Context, p model.Product) *SecondaryStoreError {
	return s.cachePut(ctx, productKey(p.ID), productType, p, s.opts.ProductTTL)
}

func (s *Service) cachePut(ctx context.Context, key, typ string, v any, ttl time.Duration) *SecondaryStoreError {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := cache.Put(ctx, s.cache, key, typ, v, ttl); err != nil {
		return s.secondary("cache", "set", key, err)
	}
	return nil
}

func (s *Service) cacheDelete(ctx context.Context, key string) *SecondaryStoreError {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.cache.Delete(ctx, key); err != nil {
		return s.secondary("cache", "delete", key, err)
	}
	return nil
}

func (s *Service) indexUpsert(ctx context.Context, p model.Product) *SecondaryStoreError {
	if err := s.index.Upsert(ctx, model.Document(p)); err != nil {
		return s.secondary("index", "upsert", p.DocID(), err)
	}
	return nil
}

func (s *Service) secondary(storeName, op, key string, err error) *SecondaryStoreError {
	serr := &SecondaryStoreError{Store: storeName, Op: op, Key: key, Err: err}
	obs.SecondaryStoreFailures.WithLabelValues(storeName, op).Inc()
	obs.Logger.Warn(storeName+"_"+op+"_failed", "key", key, "error", serr)
	return serr
}

func (s *Service) publishChange(op string, p model.Product) {
	if s.events == nil {
		return
	}
	b, err := json.Marshal(model.ChangeEvent{ProductID: p.ID, Op: op, Payload: p, Timestamp: s.now()})
	if err != nil {
		obs.Logger.Error("event_encode_failed", "op", op, "product_id", p.ID, "error", err)
		return
	}
	s.events.Publish(s.opts.ChangeTopic, events.PartitionKey(p.ID, s.opts.ChangePartitions), b)
}

func (s *Service) publishView(id int64, userID, source string) {
	if s.events == nil {
		return
	}
	b, err := json.Marshal(model.ViewEvent{ProductID: id, UserID: userID, ViewedAt: s.now(), Source: source})
	if err != nil {
		obs.Logger.Error("event_encode_failed", "op", "view", "product_id", id, "error", err)
		return
	}
	s.events.Publish(s.opts.ViewTopic, events.PartitionKey(id, s.opts.ViewPartitions), b)
}
