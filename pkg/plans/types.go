package plans

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

var (
	ErrNotFound      = errs.ErrNotFound
	ErrAlreadyExists = errs.ErrAlreadyExists
)

// Unlimited marks a limit with no ceiling
const Unlimited int64 = -1

// Resource is a metered resource kind
type Resource string

const (
	ResourceProperties Resource = "properties"
	ResourceTenants    Resource = "tenants"
	ResourceUsers      Resource = "users"
	ResourceStorage    Resource = "storage"
	ResourceExports    Resource = "exports"
)

// Resources lists every metered resource kind
var Resources = []Resource{ResourceProperties, ResourceTenants, ResourceUsers, ResourceStorage, ResourceExports}

// ParseResource validates a resource kind from user input
func ParseResource(s string) (Resource, error) {
	r := Resource(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Resources {
		if r == known {
			return r, nil
		}
	}
	return "", errs.Invalid("unknown resource kind %q", s)
}

// Limits are the per-resource ceilings of a plan; Unlimited disables one
type Limits struct {
	Properties      int64 `json:"properties" yaml:"properties"`
	Tenants         int64 `json:"tenants" yaml:"tenants"`
	Users           int64 `json:"users" yaml:"users"`
	StorageMB       int64 `json:"storageMb" yaml:"storage_mb"`
	ExportsPerMonth int64 `json:"exportsPerMonth" yaml:"exports_per_month"`
}

// UnlimitedLimits returns limits with every resource uncapped
func UnlimitedLimits() Limits {
	return Limits{
		Properties:      Unlimited,
		Tenants:         Unlimited,
		Users:           Unlimited,
		StorageMB:       Unlimited,
		ExportsPerMonth: Unlimited,
	}
}

// For returns the limit for a resource kind. Unknown kinds are unlimited.
func (l Limits) For(r Resource) int64 {
	switch r {
	case ResourceProperties:
		return l.Properties
	case ResourceTenants:
		return l.Tenants
	case ResourceUsers:
		return l.Users
	case ResourceStorage:
		return l.StorageMB
	case ResourceExports:
		return l.ExportsPerMonth
	}
	return Unlimited
}

// Validate rejects limits below Unlimited
func (l Limits) Validate() error {
	for _, r := range Resources {
		if v := l.For(r); v < Unlimited {
			return errs.Invalid("limit for %s must be -1 (unlimited) or >= 0, got %d", r, v)
		}
	}
	return nil
}

// BillingCycle is how often a plan renews
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known cycle
func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// Plan is a purchasable subscription tier
type Plan struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	PriceCents    int64        `json:"priceCents"`
	Currency      string       `json:"currency"`
	BillingCycle  BillingCycle `json:"billingCycle"`
	Features      []string     `json:"features"`
	Limits        Limits       `json:"limits"`
	Active        bool         `json:"active"`
	SortOrder     int          `json:"sortOrder"`
	TrialDays     int          `json:"trialDays,omitempty"`
	ProcessorCode string       `json:"processorCode,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// HasFeature reports whether the plan includes a feature flag
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Validate checks the fields an administrator supplies
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errs.Invalid("plan name is required")
	}
	if p.PriceCents < 0 {
		return errs.Invalid("price must not be negative")
	}
	if len(p.Currency) != 3 {
		return errs.Invalid("currency must be a 3-letter code, got %q", p.Currency)
	}
	if !p.BillingCycle.Valid() {
		return errs.Invalid("billing cycle must be monthly or yearly, got %q", p.BillingCycle)
	}
	if p.TrialDays < 0 {
		return errs.Invalid("trial days must not be negative")
	}
	if err := p.Limits.Validate(); err != nil {
		return fmt.Errorf("plan %q: %w", p.Name, err)
	}
	return nil
}

// normalize fills defaults before a write
func (p *Plan) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Currency = strings.ToUpper(p.Currency)
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.BillingCycle == "" {
		p.BillingCycle = BillingCycleMonthly
	}
	if p.Features == nil {
		p.Features = []string{}
	}
}
