package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-catalog-service/internal/cache"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

var errDown = errors.New("down")

// countingStore counts record store reads.
type countingStore struct {
	store.RecordStore
	finds    atomic.Int32
	findAlls atomic.Int32
	saveErr  error
}

func (c *countingStore) FindByID(ctx context.Context, id int64) (model.Product, bool, error) {
	c.finds.Add(1)
	return c.RecordStore.FindByID(ctx, id)
}

func (c *countingStore) FindAll(ctx context.Context) ([]model.Product, error) {
	c.findAlls.Add(1)
	return c.RecordStore.FindAll(ctx)
}

func (c *countingStore) Save(ctx context.Context, p model.Product) (model.Product, error) {
	if c.saveErr != nil {
		return model.Product{}, c.saveErr
	}
	return c.RecordStore.Save(ctx, p)
}

type brokenCache struct{}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (brokenCache) Get(context.Context, string) ([]byte, bool, error)      { return nil, false, errDown }
func (brokenCache) Delete(context.Context, string) error                    { return errDown }

// hangingCache blocks every call until its context ends.
type hangingCache struct{}

func (hangingCache) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingCache) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func (hangingCache) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type brokenIndex struct{ search.Index }

func (brokenIndex) Upsert(context.Context, model.ProductDocument) error { return errDown }
func (brokenIndex) Delete(context.Context, string) error                { return errDown }

type published struct {
	Topic, Key string
	Payload    []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (c *capturePublisher) Publish(topic, key string, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, key, payload})
	return true
}

func (c *capturePublisher) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	store *countingStore
	cache *cache.Memory
	index *search.Memory
	pub   *capturePublisher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &countingStore{RecordStore: store.New()},
		cache: cache.NewMemory(128),
		index: search.NewMemory(),
		pub:   &capturePublisher{},
	}
	f.svc = New(Deps{Store: f.store, Cache: f.cache, Index: f.index, Events: f.pub})
	return f
}

func widget() model.Fields {
	return model.Fields{Name: "Widget", Description: "A small widget", Category: "Tools", Price: decimal.RequireFromString("9.99"), Stock: 5}
}

func samePrice(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("price = %s, want %s", got, want)
	}
}

func TestCreateThenGetByID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)
	require.NotZero(t, res.Product.ID)
	assert.Empty(t, res.Warnings)

	_, cached, _ := cache.Fetch[model.Product](ctx, f.cache, productKey(res.Product.ID), productType)
	assert.False(t, cached, "create does not fill the product cache")

	got, ok, err := f.svc.GetByID(ctx, res.Product.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Name)
	assert.Equal(t, "Tools", got.Category)
	assert.EqualValues(t, 5, got.Stock)
	samePrice(t, "9.99", got.Price)
}

func TestCacheHitSkipsRecordStore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)

	_, _, err = f.svc.GetByID(ctx, res.Product.ID)
	require.NoError(t, err)
	before := f.store.finds.Load()
	for i := 0; i < 3; i++ {
		got, ok, err := f.svc.GetByID(ctx, res.Product.ID)
		require.NoError(t, err)
		require.True(t, ok)
		samePrice(t, "9.99", got.Price)
	}
	assert.Equal(t, before, f.store.finds.Load())
	assert.Len(t, f.pub.on("product-views"), 4, "every read counts as a view")
}

func TestAbsentProduct(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, ok, err := f.svc.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.cache.Len(), "absence is not cached")

	_, err = f.svc.Update(ctx, 42, widget())
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := f.svc.Delete(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, res.Product.ID)
	assert.Empty(t, f.pub.on("product-topic"), "no side effects")
	assert.Empty(t, f.index.Snapshot())
}

func TestValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	bad := model.Fields{Name: " ", Price: decimal.RequireFromString("-1"), Stock: -2}
	_, err := f.svc.Create(ctx, bad)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)

	all, err := f.svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.NotNil(t, all)
}

func TestPersistenceFailureTouchesNothingElse(t *testing.T) {
	f := setup(t)
	f.store.saveErr = errDown
	_, err := f.svc.Create(context.Background(), widget())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create", perr.Op)
	assert.ErrorIs(t, err, errDown)
	assert.Empty(t, f.index.Snapshot())
	assert.Empty(t, f.pub.on("product-topic"))
}

func TestUpdateWhileListCached(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, model.Fields{Name: "Gadget", Category: "Electronics", Price: decimal.RequireFromString("19.99")})
	require.NoError(t, err)

	list, err := f.svc.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 1, f.store.findAlls.Load())

	_, err = f.svc.GetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.findAlls.Load(), "second list read is a cache hit")

	upd := widget()
	upd.Name = "Widget Pro"
	upd.Price = decimal.RequireFromString("12.99")
	res, err := f.svc.Update(ctx, a.Product.ID, upd)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	cached, ok, err := cache.Fetch[model.Product](ctx, f.cache, productKey(a.Product.ID), productType)
	require.NoError(t, err)
	require.True(t, ok, "update refreshes the product entry")
	assert.Equal(t, "Widget Pro", cached.Name)

	list, err = f.svc.GetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.store.findAlls.Load(), "update evicts the list")
	assert.Equal(t, "Widget Pro", list[0].Name)
	samePrice(t, "12.99", list[0].Price)
}

func TestCreateEvictsList(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)
	_, err = f.svc.GetAll(ctx)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, widget())
	require.NoError(t, err)
	list, err := f.svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWidgetScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)
	id := res.Product.ID

	page, err := f.svc.Search(ctx, search.Text("widget"))
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, id, page.Content[0].ProductID)

	upd := widget()
	upd.Name = "Gizmo"
	_, err = f.svc.Update(ctx, id, upd)
	require.NoError(t, err)
	page, err = f.svc.Search(ctx, search.Name("gizmo"))
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	page, err = f.svc.Search(ctx, search.Name("widget"))
	require.NoError(t, err)
	assert.Empty(t, page.Content)

	_, err = f.svc.Delete(ctx, id)
	require.NoError(t, err)
	_, ok, err := f.svc.GetByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	page, err = f.svc.Search(ctx, search.Text("widget"))
	require.NoError(t, err)
	assert.Empty(t, page.Content)

	changes := f.pub.on("product-topic")
	require.Len(t, changes, 3)
	var ops []string
	for _, m := range changes {
		var ev model.ChangeEvent
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		assert.Equal(t, id, ev.ProductID)
		assert.Equal(t, events.PartitionKey(id, 5), m.Key)
		ops = append(ops, ev.Op)
	}
	assert.Equal(t, []string{model.OpCreate, model.OpUpdate, model.OpDelete}, ops)
}

func TestBrokenCacheFailsOpen(t *testing.T) {
	st := store.New()
	idx := search.NewMemory()
	svc := New(Deps{Store: st, Cache: brokenCache{}, Index: idx})
	ctx := context.Background()

	res, err := svc.Create(ctx, widget())
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1, "list eviction failed")

	got, ok, err := svc.GetByID(ctx, res.Product.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Name)

	upd, err := svc.Update(ctx, res.Product.ID, widget())
	require.NoError(t, err)
	assert.Len(t, upd.Warnings, 2)

	list, err := svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBrokenIndexKeepsWrite(t *testing.T) {
	st := store.New()
	svc := New(Deps{Store: st, Cache: cache.NewMemory(16), Index: brokenIndex{search.NewMemory()}})
	ctx := context.Background()

	res, err := svc.Create(ctx, widget())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "index upsert")

	_, ok, err := st.FindByID(ctx, res.Product.ID)
	require.NoError(t, err)
	assert.True(t, ok, "persistence is not reverted")

	del, err := svc.Delete(ctx, res.Product.ID)
	require.NoError(t, err)
	assert.Len(t, del.Warnings, 1)
}

func TestReindexIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, widget())
		require.NoError(t, err)
	}
	require.NoError(t, f.index.IncrementViews(ctx, "2", 4))

	n, err := f.svc.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	once := f.index.Snapshot()

	_, err = f.svc.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, f.index.Snapshot())
	assert.EqualValues(t, 4, once[1].ViewCount, "reindex keeps view counts")
}

func TestReindexRestoresMissingDocuments(t *testing.T) {
	st := store.New()
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		_, err := st.Save(ctx, model.Product{Name: name, Category: "x"})
		require.NoError(t, err)
	}
	idx := search.NewMemory()
	svc := New(Deps{Store: st, Cache: cache.NewMemory(16), Index: idx})
	n, err := svc.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, idx.Snapshot(), 2)
}

func TestRecordView(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, widget())
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordView(ctx, res.Product.ID, "u1", ""))
	assert.ErrorIs(t, f.svc.RecordView(ctx, 999, "u1", ""), ErrNotFound)

	views := f.pub.on("product-views")
	require.Len(t, views, 1)
	var ev model.ViewEvent
	require.NoError(t, json.Unmarshal(views[0].Payload, &ev))
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "api", ev.Source)
}

func TestSearchRejectsBadPage(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Search(context.Background(), search.Paginated("x", -1, 10))
	assert.ErrorIs(t, err, search.ErrInvalidPage)
}

func TestHangingCacheKeepsReadsAvailable(t *testing.T) {
	st := store.New()
	ctx := context.Background()
	saved, err := st.Save(ctx, model.Product{Name: "Widget", Category: "Tools"})
	require.NoError(t, err)
	svc := New(Deps{Store: st, Cache: hangingCache{}, Index: search.NewMemory(),
		Options: Options{ReadTimeout: 50 * time.Millisecond}})

	got, ok, err := svc.GetByID(ctx, saved.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget", got.Name)

	list, err := svc.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	res, err := svc.Update(ctx, saved.ID, widget())
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 2, "cache refresh and list eviction time out")
}

func TestReadTimeoutDefault(t *testing.T) {
	svc := New(Deps{Store: store.New(), Cache: cache.NewMemory(1), Index: search.NewMemory()})
	assert.Equal(t, 2*time.Second, svc.opts.ReadTimeout)
}

func TestUpdateAbsentBeatsInvalid(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Update(context.Background(), 42, model.Fields{})
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := f.svc.Create(context.Background(), widget())
	require.NoError(t, err)
	_, err = f.svc.Update(context.Background(), res.Product.ID, model.Fields{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReindexAlongsideWrites(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 20; i++ {
		res, err := f.svc.Create(ctx, widget())
		require.NoError(t, err)
		ids = append(ids, res.Product.ID)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := f.svc.ReindexAll(ctx); err != nil {
				t.Errorf("reindex: %v", err)
				return
			}
		}
	}()
	for i, id := range ids {
		if i%2 == 0 {
			_, err := f.svc.Delete(ctx, id)
			require.NoError(t, err)
			continue
		}
		upd := widget()
		upd.Name = "Gadget"
		_, err := f.svc.Update(ctx, id, upd)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	_, err := f.svc.ReindexAll(ctx)
	require.NoError(t, err)

	want, err := f.store.FindAll(ctx)
	require.NoError(t, err)
	docs := f.index.Snapshot()
	require.Len(t, docs, len(want))
	for i, d := range docs {
		assert.Equal(t, want[i].ID, d.ProductID)
		assert.Equal(t, "Gadget", d.Name)
	}
}
