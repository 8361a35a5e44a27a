package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rentbill/pkg/async"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/notify"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Job names
const (
	JobExpirySweep    = "expiry-sweep"
	JobUsageReset     = "usage-reset"
	JobExpiryWarnings = "expiry-warnings"
)

// Reconciler persists due time-based transitions of one subscription.
// *billing.Service implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, id int64) (bool, error)
}

// Config holds the cron specs and sweep tuning
type Config struct {
	ExpirySweepSpec    string
	UsageResetSpec     string
	ExpiryWarningsSpec string

	Workers       int
	ItemTimeout   time.Duration
	PageSize      int
	WarningWindow time.Duration
}

// DefaultConfig runs the expiry sweep at 03:00, resets usage at 00:05 on
// the 1st and sends warnings at 09:00, all UTC
func DefaultConfig() Config {
	return Config{
		ExpirySweepSpec:    "0 3 * * *",
		UsageResetSpec:     "5 0 1 * *",
		ExpiryWarningsSpec: "0 9 * * *",
		Workers:            8,
		ItemTimeout:        30 * time.Second,
		PageSize:           billing.DefaultPageSize,
		WarningWindow:      7 * 24 * time.Hour,
	}
}

// Options carries the scheduler's collaborators
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// SweepResult summarizes one job run
type SweepResult struct {
	Job       string
	Processed int
	Changed   int
	Failed    int
	Elapsed   time.Duration
}

// Scheduler owns the cron runner and the job bodies
type Scheduler struct {
	store      billing.Store
	reconciler Reconciler
	notifier   notify.Notifier
	cfg        Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	cron       *cron.Cron
}

// New creates a Scheduler. Zero Config fields take their defaults.
func New(store billing.Store, reconciler Reconciler, notifier notify.Notifier, cfg Config, opts Options) *Scheduler {
	def := DefaultConfig()
	if cfg.ExpirySweepSpec == "" {
		cfg.ExpirySweepSpec = def.ExpirySweepSpec
	}
	if cfg.UsageResetSpec == "" {
		cfg.UsageResetSpec = def.UsageResetSpec
	}
	if cfg.ExpiryWarningsSpec == "" {
		cfg.ExpiryWarningsSpec = def.ExpiryWarningsSpec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = def.WarningWindow
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = notify.NewLogSink(opts.Logger)
	}
	return &Scheduler{
		store:      store,
		reconciler: reconciler,
		notifier:   notifier,
		cfg:        cfg,
		logger:     opts.Logger.WithField("component", "scheduler"),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Jobs returns the job names and their cron specs
func (s *Scheduler) Jobs() map[string]string {
	return map[string]string{
		JobExpirySweep:    s.cfg.ExpirySweepSpec,
		JobUsageReset:     s.cfg.UsageResetSpec,
		JobExpiryWarnings: s.cfg.ExpiryWarningsSpec,
	}
}

// Start registers every job and starts the cron runner. A job still
// running when its next tick arrives skips that tick.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := s.Jobs()
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		name := name
		if _, err := c.AddFunc(jobs[name], func() {
			if _, err := s.Run(ctx, name); err != nil {
				s.logger.WithError(err).WithField("job", name).Error("Scheduled job failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s %q: %w", name, jobs[name], err)
		}
		s.logger.WithFields(map[string]interface{}{"job": name, "spec": jobs[name]}).Info("Scheduled job")
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop stops the cron runner and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes one job by name
func (s *Scheduler) Run(ctx context.Context, job string) (SweepResult, error) {
	switch job {
	case JobExpirySweep:
		return s.RunExpirySweep(ctx)
	case JobUsageReset:
		return s.RunUsageReset(ctx)
	case JobExpiryWarnings:
		return s.RunExpiryWarnings(ctx)
	default:
		return SweepResult{}, fmt.Errorf("unknown job %q", job)
	}
}

type listFunc func(ctx context.Context, page billing.Page) ([]*billing.Subscription, error)

// itemFunc processes one subscription and reports whether it changed
type itemFunc func(ctx context.Context, sub *billing.Subscription) (bool, error)

// sweep pages through list and processes each page with the worker pool.
// Only a listing failure aborts the run.
func (s *Scheduler) sweep(ctx context.Context, job string, list listFunc, process itemFunc) (SweepResult, error) {
	start := time.Now()
	res := SweepResult{Job: job}
	log := s.logger.WithField("job", job)
	var changed int64

	defer func() {
		res.Changed = int(atomic.LoadInt64(&changed))
		res.Elapsed = time.Since(start)
		s.metrics.ObserveSweep(job, res.Processed, res.Changed, res.Failed, res.Elapsed)
	}()

	page := billing.Page{Limit: s.cfg.PageSize}
	for {
		subs, err := list(ctx, page)
		if err != nil {
			log.WithError(err).Error("Failed to list subscriptions")
			return res, err
		}
		if len(subs) == 0 {
			break
		}

		failures := async.Batch(ctx, subs, s.cfg.Workers, s.cfg.ItemTimeout, func(ctx context.Context, sub *billing.Subscription) error {
			ok, err := process(ctx, sub)
			if ok {
				atomic.AddInt64(&changed, 1)
			}
			return err
		})
		for _, f := range failures {
			log.WithError(f.Err).WithFields(map[string]interface{}{
				"subscription_id": f.Item.ID,
				"org_id":          f.Item.OrgID,
			}).Error("Sweep item failed")
		}
		res.Processed += len(subs)
		res.Failed += len(failures)

		if len(subs) < page.Limit {
			break
		}
		page.AfterID = subs[len(subs)-1].ID
	}

	log.WithFields(map[string]interface{}{
		"processed": res.Processed,
		"changed":   int(atomic.LoadInt64(&changed)),
		"failed":    res.Failed,
	}).Info("Sweep finished")
	return res, nil
}

// RunExpirySweep persists due trial and period expirations
func (s *Scheduler) RunExpirySweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	return s.sweep(ctx, JobExpirySweep, func(ctx context.Context, page billing.Page) ([]*billing.Subscription, error) {
		return s.store.ListDueForEvaluation(ctx, now, page)
	}, func(ctx context.Context, sub *billing.Subscription) (bool, error) {
		return s.reconciler.Reconcile(ctx, sub.ID)
	})
}

// RunUsageReset zeroes export counters last reset before this month
func (s *Scheduler) RunUsageReset(ctx context.Context) (SweepResult, error) {
	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return s.sweep(ctx, JobUsageReset, func(ctx context.Context, page billing.Page) ([]*billing.Subscription, error) {
		return s.store.ListUsageResetDue(ctx, monthStart, page)
	}, func(ctx context.Context, sub *billing.Subscription) (bool, error) {
		return s.store.ResetExports(ctx, sub.ID, now)
	})
}

// RunExpiryWarnings notifies organizations whose paid period ends within
// the warning window and will not renew on its own
func (s *Scheduler) RunExpiryWarnings(ctx context.Context) (SweepResult, error) {
	now := s.now()
	until := now.Add(s.cfg.WarningWindow)
	return s.sweep(ctx, JobExpiryWarnings, func(ctx context.Context, page billing.Page) ([]*billing.Subscription, error) {
		return s.store.ListExpiringSoon(ctx, now, until, page)
	}, func(ctx context.Context, sub *billing.Subscription) (bool, error) {
		e := billing.EntitlementOf(sub, now)
		err := s.notifier.Notify(ctx, sub.OrgID, notify.KindSubscriptionExpiring, map[string]interface{}{
			"subscriptionId":   sub.ID,
			"planId":           sub.PlanID,
			"currentPeriodEnd": sub.CurrentPeriodEnd,
			"daysUntilExpiry":  e.DaysUntilExpiry,
		})
		return err == nil, err
	})
}

// cronLogger routes cron's own messages through the structured logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
