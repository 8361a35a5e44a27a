package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/notify"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func day(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

type notification struct {
	orgID   int64
	kind    string
	payload map[string]interface{}
}

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []notification
	failFor int64
}

func (n *recordingNotifier) Notify(ctx context.Context, orgID int64, kind string, payload map[string]interface{}) error {
	if orgID == n.failFor {
		return errors.New("smtp down")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{orgID, kind, payload})
	return nil
}

type fixture struct {
	store    *billing.MemoryStore
	svc      *billing.Service
	basic    *plans.Plan
	notifier *recordingNotifier
	metrics  *observability.Metrics
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		now:      t0,
	}
	planStore := plans.NewMemoryStore()
	f.basic = &plans.Plan{Name: "Basic", Limits: plans.Limits{Properties: 5, Tenants: 50, Users: 2, StorageMB: 500, ExportsPerMonth: 10}, Active: true}
	require.NoError(t, planStore.Create(context.Background(), f.basic))

	f.store = billing.NewMemoryStore().WithClock(f.clock)
	f.svc = billing.NewService(f.store, planStore, billing.ServiceOptions{Now: f.clock})
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) scheduler(reconciler Reconciler) *Scheduler {
	if reconciler == nil {
		reconciler = f.svc
	}
	return New(f.store, reconciler, f.notifier, Config{PageSize: 2, Workers: 3}, Options{
		Metrics: f.metrics,
		Now:     f.clock,
	})
}

func (f *fixture) trial(t *testing.T, orgID int64) *billing.Subscription {
	t.Helper()
	sub, err := f.svc.CreateTrial(context.Background(), orgID, f.basic.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) active(t *testing.T, orgID int64) *billing.Subscription {
	t.Helper()
	sub, err := f.svc.Activate(context.Background(), f.trial(t, orgID).ID)
	require.NoError(t, err)
	require.Equal(t, billing.StatusActive, sub.Status)
	return sub
}

func TestExpirySweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for org := int64(1); org <= 5; org++ {
		f.trial(t, org)
	}
	f.active(t, 6)
	f.trial(t, 7)
	_, err := f.svc.GrantLifetime(ctx, 7)
	require.NoError(t, err)

	f.now = t0.Add(day(15))
	res, err := f.scheduler(nil).RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobExpirySweep, res.Job)
	assert.Equal(t, 5, res.Processed, "paged through every due trial")
	assert.Equal(t, 5, res.Changed)
	assert.Equal(t, 0, res.Failed)

	for org := int64(1); org <= 5; org++ {
		sub, err := f.store.GetByOrg(ctx, org)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, sub.Status)
	}
	sub, err := f.store.GetByOrg(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	sub, err = f.store.GetByOrg(ctx, 7)
	require.NoError(t, err)
	assert.True(t, sub.IsLifetime)

	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.SweepItemsTotal.WithLabelValues(JobExpirySweep, "changed")))

	res, err = f.scheduler(nil).RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "nothing left to do")
}

type failingReconciler struct {
	inner  Reconciler
	failID int64
}

func (r failingReconciler) Reconcile(ctx context.Context, id int64) (bool, error) {
	if id == r.failID {
		return false, billing.ErrStoreUnavailable
	}
	return r.inner.Reconcile(ctx, id)
}

func TestExpirySweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var failing *billing.Subscription
	for org := int64(1); org <= 4; org++ {
		sub := f.trial(t, org)
		if org == 2 {
			failing = sub
		}
	}

	f.now = t0.Add(day(15))
	res, err := f.scheduler(failingReconciler{inner: f.svc, failID: failing.ID}).RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 3, res.Changed)
	assert.Equal(t, 1, res.Failed)

	stored, err := f.store.GetByOrg(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, stored.Status, "retried on the next run")
}

func TestUsageReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.trial(t, 1)
	f.trial(t, 2)
	_, err := f.store.AddUsage(ctx, 1, plans.ResourceExports, 4)
	require.NoError(t, err)

	res, err := f.scheduler(nil).RunUsageReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "already reset this month")

	f.now = time.Date(2024, 4, 1, 0, 5, 0, 0, time.UTC)
	res, err = f.scheduler(nil).RunUsageReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Changed)

	sub, err := f.store.GetByOrg(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sub.Usage.ExportsThisMonth)
	assert.Equal(t, f.now, sub.Usage.LastReset)

	res, err = f.scheduler(nil).RunUsageReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestExpiryWarnings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	soon := f.active(t, 1)
	canceled := f.active(t, 2)
	_, err := f.svc.Cancel(ctx, canceled.ID)
	require.NoError(t, err)
	f.trial(t, 3)
	f.active(t, 4)
	f.notifier.failFor = 4

	f.now = soon.CurrentPeriodEnd.Add(-day(6))
	res, err := f.scheduler(nil).RunExpiryWarnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, int64(1), n.orgID)
	assert.Equal(t, notify.KindSubscriptionExpiring, n.kind)
	assert.Equal(t, 6, n.payload["daysUntilExpiry"])
	assert.Equal(t, soon.CurrentPeriodEnd, n.payload["currentPeriodEnd"])
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil)
	for name := range s.Jobs() {
		_, err := s.Run(context.Background(), name)
		assert.NoError(t, err, name)
	}
	_, err := s.Run(context.Background(), "compact")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(nil)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))

	bad := New(f.store, f.svc, nil, Config{ExpirySweepSpec: "every day"}, Options{})
	assert.Error(t, bad.Start(context.Background()))
}

func TestDefaults(t *testing.T) {
	s := New(billing.NewMemoryStore(), nil, nil, Config{}, Options{})
	assert.Equal(t, DefaultConfig().ExpirySweepSpec, s.Jobs()[JobExpirySweep])
	assert.Equal(t, 8, s.cfg.Workers)
	assert.Equal(t, 7*24*time.Hour, s.cfg.WarningWindow)
}
