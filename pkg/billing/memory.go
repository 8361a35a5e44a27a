package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

// MemoryStore is an in-process Store for the memory driver and tests. It
// enforces the same uniqueness and version rules as SQLStore.
type MemoryStore struct {
	mu     sync.Mutex
	subs   map[int64]*Subscription
	byOrg  map[int64]int64
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[int64]*Subscription),
		byOrg:  make(map[int64]int64),
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for timestamps and the export month
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneSubscription(s *Subscription) *Subscription {
	c := *s
	c.TrialStart = copyTime(s.TrialStart)
	c.TrialEnd = copyTime(s.TrialEnd)
	c.CanceledAt = copyTime(s.CanceledAt)
	c.EndedAt = copyTime(s.EndedAt)
	if s.PendingPlanID != nil {
		id := *s.PendingPlanID
		c.PendingPlanID = &id
	}
	return &c
}

func (m *MemoryStore) externalTaken(externalID string, except int64) bool {
	if externalID == "" {
		return false
	}
	for id, s := range m.subs {
		if id != except && s.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	if err := validateRecord(sub); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrg[sub.OrgID]; ok {
		return fmt.Errorf("subscription for org %d: %w", sub.OrgID, ErrAlreadyExists)
	}
	if m.externalTaken(sub.ExternalID, 0) {
		return fmt.Errorf("external id %q: %w", sub.ExternalID, ErrAlreadyExists)
	}

	now := m.now()
	sub.ID = m.nextID
	m.nextID++
	sub.Version = 1
	sub.CreatedAt, sub.UpdatedAt = now, now
	if sub.Usage.LastReset.IsZero() {
		sub.Usage.LastReset = now
	}
	m.subs[sub.ID] = cloneSubscription(sub)
	m.byOrg[sub.OrgID] = sub.ID
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription for id %d: %w", id, ErrNotFound)
	}
	return cloneSubscription(s), nil
}

func (m *MemoryStore) GetByOrg(ctx context.Context, orgID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOrg[orgID]
	if !ok {
		return nil, fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	return cloneSubscription(m.subs[id]), nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalID != "" {
		for _, s := range m.subs {
			if s.ExternalID == externalID {
				return cloneSubscription(s), nil
			}
		}
	}
	return nil, fmt.Errorf("subscription for external id %q: %w", externalID, ErrNotFound)
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	if err := validateRecord(sub); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[sub.ID]
	if !ok {
		return fmt.Errorf("subscription for id %d: %w", sub.ID, ErrNotFound)
	}
	if cur.Version != sub.Version {
		return fmt.Errorf("subscription %d at version %d: %w", sub.ID, sub.Version, ErrConflict)
	}
	if m.externalTaken(sub.ExternalID, sub.ID) {
		return fmt.Errorf("external id %q: %w", sub.ExternalID, ErrAlreadyExists)
	}

	next := cloneSubscription(sub)
	// usage is owned by the counter methods
	next.Usage = cur.Usage
	next.OrgID = cur.OrgID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now()
	m.subs[sub.ID] = next

	sub.Version = next.Version
	sub.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) counter(s *Subscription, r plans.Resource) *int64 {
	switch r {
	case plans.ResourceProperties:
		return &s.Usage.Properties
	case plans.ResourceTenants:
		return &s.Usage.Tenants
	case plans.ResourceUsers:
		return &s.Usage.Users
	case plans.ResourceStorage:
		return &s.Usage.StorageMB
	case plans.ResourceExports:
		return &s.Usage.ExportsThisMonth
	}
	return nil
}

func (m *MemoryStore) AddUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, error) {
	if _, err := usageColumn(r); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrg[orgID]
	if !ok {
		return 0, fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	s := m.subs[id]
	now := m.now()
	if r == plans.ResourceExports && s.Usage.LastReset.Before(MonthStart(now)) {
		s.Usage.ExportsThisMonth = 0
		s.Usage.LastReset = now
	}
	c := m.counter(s, r)
	*c += delta
	if *c < 0 {
		*c = 0
	}
	s.UpdatedAt = now
	return *c, nil
}

func (m *MemoryStore) ReserveUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, bool, error) {
	if _, err := usageColumn(r); err != nil {
		return 0, false, err
	}
	if delta <= 0 {
		return 0, false, errs.Invalid("reserved usage must be positive, got %d", delta)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrg[orgID]
	if !ok {
		return 0, false, fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	s := m.subs[id]
	now := m.now()
	if r == plans.ResourceExports && s.Usage.LastReset.Before(MonthStart(now)) {
		s.Usage.ExportsThisMonth = 0
		s.Usage.LastReset = now
	}
	c := m.counter(s, r)
	if limit := s.Limits.For(r); limit != plans.Unlimited && *c+delta > limit {
		return *c, false, nil
	}
	*c += delta
	s.UpdatedAt = now
	return *c, true, nil
}

func (m *MemoryStore) SetUsage(ctx context.Context, orgID int64, r plans.Resource, value int64) error {
	if _, err := usageColumn(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrg[orgID]
	if !ok {
		return fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	if value < 0 {
		value = 0
	}
	s := m.subs[id]
	*m.counter(s, r) = value
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ResetExports(ctx context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || !s.Usage.LastReset.Before(MonthStart(now)) {
		return false, nil
	}
	s.Usage.ExportsThisMonth = 0
	s.Usage.LastReset = now.UTC()
	s.UpdatedAt = now.UTC()
	return true, nil
}

func (m *MemoryStore) list(page Page, match func(*Subscription) bool) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subscription
	for id, s := range m.subs {
		if id > page.AfterID && match(s) {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > page.limit() {
		out = out[:page.limit()]
	}
	return out
}

func (m *MemoryStore) ListDueForEvaluation(ctx context.Context, now time.Time, page Page) ([]*Subscription, error) {
	return m.list(page, func(s *Subscription) bool {
		if s.IsLifetime {
			return false
		}
		switch s.Status {
		case StatusPastDue:
			return true
		case StatusTrialing, StatusActive:
			return !s.CurrentPeriodEnd.After(now) || (s.TrialEnd != nil && !s.TrialEnd.After(now))
		}
		return false
	}), nil
}

func (m *MemoryStore) ListUsageResetDue(ctx context.Context, monthStart time.Time, page Page) ([]*Subscription, error) {
	return m.list(page, func(s *Subscription) bool {
		return s.Usage.LastReset.Before(monthStart)
	}), nil
}

func (m *MemoryStore) ListExpiringSoon(ctx context.Context, now, until time.Time, page Page) ([]*Subscription, error) {
	return m.list(page, func(s *Subscription) bool {
		return s.Status == StatusActive && !s.CancelAtPeriodEnd && !s.IsLifetime &&
			s.CurrentPeriodEnd.After(now) && !s.CurrentPeriodEnd.After(until)
	}), nil
}
