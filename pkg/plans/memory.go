package plans

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for the memory driver and tests
type MemoryStore struct {
	mu     sync.RWMutex
	plans  map[int64]*Plan
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[int64]*Plan), nextID: 1}
}

func clonePlan(p *Plan) *Plan {
	c := *p
	c.Features = append([]string(nil), p.Features...)
	return &c
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) GetByName(ctx context.Context, name string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.Name == name {
			return clonePlan(p), nil
		}
	}
	return nil, fmt.Errorf("plan %q: %w", name, ErrNotFound)
}

func (m *MemoryStore) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Plan
	for _, p := range m.plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Create(ctx context.Context, p *Plan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameTaken(p.Name, 0) {
		return fmt.Errorf("plan %q: %w", p.Name, ErrAlreadyExists)
	}
	now := time.Now().UTC()
	p.ID = m.nextID
	m.nextID++
	p.CreatedAt, p.UpdatedAt = now, now
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Plan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.plans[p.ID]
	if !ok {
		return fmt.Errorf("plan %d: %w", p.ID, ErrNotFound)
	}
	if m.nameTaken(p.Name, p.ID) {
		return fmt.Errorf("plan %q: %w", p.Name, ErrAlreadyExists)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) Archive(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	p.Active = false
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// caller holds m.mu
func (m *MemoryStore) nameTaken(name string, exceptID int64) bool {
	for id, p := range m.plans {
		if id != exceptID && p.Name == name {
			return true
		}
	}
	return false
}
