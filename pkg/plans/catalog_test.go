package plans

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

type countingStore struct {
	*MemoryStore
	gets  atomic.Int32
	delay time.Duration
}

func (c *countingStore) Get(ctx context.Context, id int64) (*Plan, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	return c.MemoryStore.Get(ctx, id)
}

func TestCatalog_CachesReads(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	catalog := NewCatalog(store, CatalogOptions{Metrics: metrics})

	p := basicPlan()
	require.NoError(t, catalog.Create(ctx, p))

	for i := 0; i < 3; i++ {
		got, err := catalog.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Basic", got.Name)
	}
	assert.Equal(t, int32(1), store.gets.Load())
	assert.Equal(t, 1, catalog.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PlanCacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PlanCacheMissesTotal))
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(NewMemoryStore(), CatalogOptions{})
	p := basicPlan()
	require.NoError(t, catalog.Create(ctx, p))

	got, err := catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	got.Features[0] = "mutated"
	got.Limits.Properties = 999

	again, err := catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, again.Features)
	assert.Equal(t, int64(5), again.Limits.Properties)
}

func TestCatalog_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	catalog := NewCatalog(store, CatalogOptions{})

	p := basicPlan()
	require.NoError(t, catalog.Create(ctx, p))
	_, err := catalog.Get(ctx, p.ID)
	require.NoError(t, err)

	p.PriceCents = 4900
	require.NoError(t, catalog.Update(ctx, p))
	got, err := catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4900), got.PriceCents)

	require.NoError(t, catalog.Archive(ctx, p.ID))
	got, err = catalog.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, int32(3), store.gets.Load())

	catalog.Purge()
	assert.Equal(t, 0, catalog.Len())
}

func TestCatalog_SingleflightOnConcurrentMiss(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore(), delay: 50 * time.Millisecond}
	p := basicPlan()
	require.NoError(t, store.Create(ctx, p))
	catalog := NewCatalog(store, CatalogOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := catalog.Get(ctx, p.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), store.gets.Load())
}

func TestCatalog_MissingPlan(t *testing.T) {
	catalog := NewCatalog(NewMemoryStore(), CatalogOptions{TTL: time.Minute, Size: 8})
	_, err := catalog.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, catalog.Len())
}
