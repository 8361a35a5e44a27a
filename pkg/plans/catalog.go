package plans

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// CatalogOptions configures the plan cache
type CatalogOptions struct {
	Size    int
	TTL     time.Duration
	Metrics *observability.Metrics
}

// Catalog is a read-through cache over a Store. It implements Store itself
// so writers invalidate as they go.
type Catalog struct {
	store   Store
	cache   *expirable.LRU[int64, *Plan]
	group   singleflight.Group
	metrics *observability.Metrics
}

var _ Store = (*Catalog)(nil)

// NewCatalog wraps store with an expiring LRU
func NewCatalog(store Store, opts CatalogOptions) *Catalog {
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	return &Catalog{
		store:   store,
		cache:   expirable.NewLRU[int64, *Plan](opts.Size, nil, opts.TTL),
		metrics: opts.Metrics,
	}
}

// Get returns a plan by ID, loading it at most once per key under
// concurrent misses
func (c *Catalog) Get(ctx context.Context, id int64) (*Plan, error) {
	if p, ok := c.cache.Get(id); ok {
		c.metrics.ObservePlanCache(true)
		return clonePlan(p), nil
	}
	c.metrics.ObservePlanCache(false)

	v, err, _ := c.group.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		p, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePlan(v.(*Plan)), nil
}

// GetByName bypasses the cache; it is only used by seeding and admin paths
func (c *Catalog) GetByName(ctx context.Context, name string) (*Plan, error) {
	return c.store.GetByName(ctx, name)
}

// List reads through to the store and refreshes cached entries
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	list, err := c.store.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		c.cache.Add(p.ID, clonePlan(p))
	}
	return list, nil
}

func (c *Catalog) Create(ctx context.Context, p *Plan) error {
	if err := c.store.Create(ctx, p); err != nil {
		return err
	}
	c.cache.Remove(p.ID)
	return nil
}

func (c *Catalog) Update(ctx context.Context, p *Plan) error {
	c.cache.Remove(p.ID)
	if err := c.store.Update(ctx, p); err != nil {
		return err
	}
	c.cache.Remove(p.ID)
	return nil
}

func (c *Catalog) Archive(ctx context.Context, id int64) error {
	c.cache.Remove(id)
	if err := c.store.Archive(ctx, id); err != nil {
		return err
	}
	c.cache.Remove(id)
	return nil
}

// Purge drops every cached plan
func (c *Catalog) Purge() {
	c.cache.Purge()
}

// Len reports the number of cached plans
func (c *Catalog) Len() int {
	return c.cache.Len()
}
