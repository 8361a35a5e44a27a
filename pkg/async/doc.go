// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs fire-and-forget work (organization status sync, usage
// recounts after a successful mutation) with panic recovery and a timeout:
//
//	async.SafeGo(logger, ctx, 5*time.Second, "org status sync", func(ctx context.Context) error {
//		return sink.SetOrganizationActive(ctx, orgID, false)
//	})
//
// Batch fans a slice out over a bounded number of goroutines and returns one
// ItemError per failed item. The reconciliation sweeps rely on it for
// per-item fault isolation:
//
//	errs := async.Batch(ctx, subs, 8, 30*time.Second, reconcileOne)
package async
