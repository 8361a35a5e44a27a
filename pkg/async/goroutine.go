package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, a timeout and error
// logging. The task is detached from parentCtx cancellation (values such as
// the request ID are kept) so that work started by an HTTP handler survives
// the response being written.
//
// Example:
//
//	SafeGo(logger, r.Context(), 5*time.Second, "record usage", func(ctx context.Context) error {
//	    return limiter.RecordUsage(ctx, orgID, kind, 1)
//	})
func SafeGo(logger *observability.Logger, parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// ItemError pairs a batch item with the error it produced
type ItemError[T any] struct {
	Item T
	Err  error
}

func (e ItemError[T]) Error() string {
	return fmt.Sprintf("%v: %v", e.Item, e.Err)
}

func (e ItemError[T]) Unwrap() error {
	return e.Err
}

// Batch runs fn for every item with at most workers in flight. One item's
// failure or panic never stops the others; every failure is returned.
// Items not yet started when ctx is canceled fail with ctx.Err().
//
// Example:
//
//	errs := Batch(ctx, subs, 8, 30*time.Second, func(ctx context.Context, sub Subscription) error {
//	    return reconcile(ctx, sub)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []ItemError[T] {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []ItemError[T]
	)
	fail := func(item T, err error) {
		mu.Lock()
		errs = append(errs, ItemError[T]{Item: item, Err: err})
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				fail(item, err)
				return nil
			}

			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					fail(item, fmt.Errorf("panic: %v", r))
				}
			}()

			if err := fn(itemCtx, item); err != nil {
				fail(item, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
