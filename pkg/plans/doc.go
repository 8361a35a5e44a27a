// Package plans is the catalog of subscription plans: price, billing cycle,
// feature flags and per-resource usage limits.
//
// Plans are read far more often than written, so lookups go through Catalog,
// an expiring LRU in front of a Store. Writes go through Catalog as well so
// the cache is invalidated in the same call.
//
// A YAML seed file can declare the plan set; Seed upserts it by name and
// Watcher re-seeds when the file changes on disk.
//
//	catalog := plans.NewCatalog(plans.NewSQLStore(db), plans.CatalogOptions{})
//	basic, err := catalog.Get(ctx, 1)
//	limit := basic.Limits.For(plans.ResourceProperties)
package plans
