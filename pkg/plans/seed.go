package plans

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// SeedFile is the on-disk plan declaration
type SeedFile struct {
	Plans []SeedPlan `yaml:"plans"`
}

// SeedPlan is one plan entry in a seed file. Omitted limits are unlimited
// and omitted active defaults to true.
type SeedPlan struct {
	Name          string       `yaml:"name"`
	PriceCents    int64        `yaml:"price_cents"`
	Currency      string       `yaml:"currency"`
	BillingCycle  BillingCycle `yaml:"billing_cycle"`
	Features      []string     `yaml:"features"`
	Limits        *Limits      `yaml:"limits"`
	Active        *bool        `yaml:"active"`
	SortOrder     int          `yaml:"sort_order"`
	TrialDays     int          `yaml:"trial_days"`
	ProcessorCode string       `yaml:"processor_code"`
}

func (s SeedPlan) plan() *Plan {
	p := &Plan{
		Name:          s.Name,
		PriceCents:    s.PriceCents,
		Currency:      s.Currency,
		BillingCycle:  s.BillingCycle,
		Features:      s.Features,
		Limits:        UnlimitedLimits(),
		Active:        true,
		SortOrder:     s.SortOrder,
		TrialDays:     s.TrialDays,
		ProcessorCode: s.ProcessorCode,
	}
	if s.Limits != nil {
		p.Limits = *s.Limits
	}
	if s.Active != nil {
		p.Active = *s.Active
	}
	return p
}

// ParseSeed decodes and validates a seed document
func ParseSeed(data []byte) ([]*Plan, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan seed: %w", err)
	}

	seen := make(map[string]bool, len(file.Plans))
	out := make([]*Plan, 0, len(file.Plans))
	for i, sp := range file.Plans {
		p := sp.plan()
		p.normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan seed entry %d: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("plan seed entry %d: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

// LoadSeedFile reads and parses a seed file
func LoadSeedFile(path string) ([]*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// SeedResult counts what Seed changed
type SeedResult struct {
	Created int
	Updated int
}

// Seed upserts plans by name. Plans missing from the seed are left alone.
func Seed(ctx context.Context, store Store, seed []*Plan) (SeedResult, error) {
	var res SeedResult
	for _, want := range seed {
		existing, err := store.GetByName(ctx, want.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			p := *want
			if err := store.Create(ctx, &p); err != nil {
				return res, fmt.Errorf("failed to create plan %q: %w", want.Name, err)
			}
			res.Created++
		case err != nil:
			return res, err
		default:
			p := *want
			p.ID = existing.ID
			if samePlan(existing, &p) {
				continue
			}
			if err := store.Update(ctx, &p); err != nil {
				return res, fmt.Errorf("failed to update plan %q: %w", want.Name, err)
			}
			res.Updated++
		}
	}
	return res, nil
}

func samePlan(a, b *Plan) bool {
	if a.Name != b.Name || a.PriceCents != b.PriceCents || a.Currency != b.Currency ||
		a.BillingCycle != b.BillingCycle || a.Limits != b.Limits || a.Active != b.Active ||
		a.SortOrder != b.SortOrder || a.TrialDays != b.TrialDays || a.ProcessorCode != b.ProcessorCode {
		return false
	}
	if len(a.Features) != len(b.Features) {
		return false
	}
	for i := range a.Features {
		if a.Features[i] != b.Features[i] {
			return false
		}
	}
	return true
}

// Watcher re-seeds the store whenever the seed file changes
type Watcher struct {
	path    string
	store   Store
	delay   time.Duration
	logger  *observability.Logger
	onApply func(SeedResult, error)
}

// NewWatcher creates a watcher for path. Bursts of events within delay are
// coalesced into one re-seed.
func NewWatcher(path string, store Store, delay time.Duration, logger *observability.Logger) *Watcher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Watcher{path: path, store: store, delay: delay, logger: logger}
}

// OnApply registers a callback invoked after each re-seed attempt
func (w *Watcher) OnApply(fn func(SeedResult, error)) {
	w.onApply = fn
}

// Run blocks until ctx is done. The parent directory is watched so that
// editors that replace the file atomically are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve seed path: %w", err)
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	w.logger.WithField("path", target).Info("Watching plan seed file")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.delay)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Plan seed watcher error")
		case <-timer.C:
			w.reseed(ctx)
		}
	}
}

func (w *Watcher) reseed(ctx context.Context) {
	seed, err := LoadSeedFile(w.path)
	var res SeedResult
	if err == nil {
		res, err = Seed(ctx, w.store, seed)
	}
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("Failed to re-seed plans")
	} else {
		w.logger.WithFields(map[string]interface{}{
			"created": res.Created,
			"updated": res.Updated,
		}).Info("Re-seeded plans")
	}
	if w.onApply != nil {
		w.onApply(res, err)
	}
}
