package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store/memory"
)

type countingRepo struct {
	*memory.Store
	reads atomic.Int32
	gate  chan struct{}
}

func (r *countingRepo) GetCatalogModel(ctx context.Context, brand string, model string) (*domain.CatalogModel, error) {
	r.reads.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.Store.GetCatalogModel(ctx, brand, model)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.CatalogModel
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.CatalogModel)}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.CatalogModel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &m, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.CatalogModel, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestBasePriceUnknownModelIsLookupError(t *testing.T) {
	svc := NewService(memory.New(), nil, time.Minute, nil, nil)

	_, err := svc.BasePrice(context.Background(), "Nokia", "3310")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLookup))

	var lerr *domain.LookupError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "Nokia", lerr.Brand)
}

func TestUpsertThenLookupIsCaseInsensitive(t *testing.T) {
	c := newMapCache()
	svc := NewService(memory.New(), c, time.Minute, nil, nil)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, domain.CatalogModel{Brand: "Apple", Model: "iPhone 13", BasePrice: decimal.NewFromInt(420)})
	require.NoError(t, err)

	price, err := svc.BasePrice(ctx, " apple ", "IPHONE  13")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(420)))

	_, cached, _ := c.Get(ctx, cacheKey("apple", "iphone 13"))
	assert.True(t, cached)

	_, err = svc.Upsert(ctx, domain.CatalogModel{Brand: "Apple", Model: "iPhone 13", BasePrice: decimal.NewFromInt(400)})
	require.NoError(t, err)
	price, err = svc.BasePrice(ctx, "Apple", "iPhone 13")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(400)), "upsert must invalidate the cached price")
}

func TestUpsertValidates(t *testing.T) {
	svc := NewService(memory.New(), nil, time.Minute, nil, nil)
	_, err := svc.Upsert(context.Background(), domain.CatalogModel{Brand: "Apple", Model: "iPhone 13", BasePrice: decimal.NewFromInt(-1)})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = svc.Upsert(context.Background(), domain.CatalogModel{Model: "iPhone 13"})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	base := memory.New()
	_, err := base.UpsertCatalogModel(context.Background(), domain.CatalogModel{Brand: "Google", Model: "Pixel 7", BasePrice: decimal.NewFromInt(260)})
	require.NoError(t, err)

	repo := &countingRepo{Store: base, gate: make(chan struct{})}
	svc := NewService(repo, nil, time.Minute, nil, nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.BasePrice(context.Background(), "Google", "Pixel 7")
			return err
		})
	}
	// Let the goroutines pile up on the in-flight read before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(repo.gate)
	require.NoError(t, g.Wait())

	assert.Less(t, int(repo.reads.Load()), 8)
}

type failingRepo struct {
	*memory.Store
}

func (failingRepo) GetCatalogModel(context.Context, string, string) (*domain.CatalogModel, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestBasePriceRepositoryFailureIsPersistenceError(t *testing.T) {
	svc := NewService(failingRepo{Store: memory.New()}, nil, time.Minute, nil, nil)

	_, err := svc.BasePrice(context.Background(), "Apple", "iPhone 13")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.False(t, errors.Is(err, domain.ErrLookup))
	assert.Equal(t, "persistence", domain.Category(err))
}
