package webhooks

import (
	"context"
	"net/url"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

// PendingRecorder records the plan an organization is checking out.
// *billing.Service implements it.
type PendingRecorder interface {
	SetPendingPlan(ctx context.Context, orgID, planID int64, reference string) (*billing.Subscription, error)
}

// Session is a hosted checkout the organization is redirected to
type Session struct {
	URL       string `json:"url"`
	Reference string `json:"reference"`
}

// Checkout builds hosted checkout sessions at the processor
type Checkout struct {
	baseURL *url.URL
	refs    *ReferenceCodec
	plans   billing.PlanReader
	pending PendingRecorder
}

// NewCheckout creates a Checkout for the processor's hosted checkout page
func NewCheckout(baseURL string, refs *ReferenceCodec, planReader billing.PlanReader, pending PendingRecorder) (*Checkout, error) {
	u, err := parseAbsoluteURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Checkout{baseURL: u, refs: refs, plans: planReader, pending: pending}, nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errs.Invalid("%q is not an absolute http(s) URL", raw)
	}
	return u, nil
}

// CreateSession records planID as pending for orgID and returns the
// processor URL carrying a signed reference token. The organization gets an
// inactive placeholder subscription when it has none.
func (c *Checkout) CreateSession(ctx context.Context, orgID, planID int64, successURL, cancelURL string) (*Session, error) {
	if orgID <= 0 {
		return nil, errs.Invalid("organization id must be positive")
	}
	if _, err := parseAbsoluteURL(successURL); err != nil {
		return nil, err
	}
	if _, err := parseAbsoluteURL(cancelURL); err != nil {
		return nil, err
	}

	plan, err := c.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, errs.Invalid("plan %d is archived", planID)
	}
	if plan.ProcessorCode == "" {
		return nil, errs.Invalid("plan %d cannot be purchased", planID)
	}

	token := c.refs.Encode(orgID, planID)
	if _, err := c.pending.SetPendingPlan(ctx, orgID, planID, token); err != nil {
		return nil, err
	}

	u := *c.baseURL
	q := u.Query()
	q.Set("product", plan.ProcessorCode)
	q.Set("external_reference", token)
	q.Set("success_url", successURL)
	q.Set("cancel_url", cancelURL)
	u.RawQuery = q.Encode()

	return &Session{URL: u.String(), Reference: token}, nil
}

var _ PendingRecorder = (*billing.Service)(nil)
var _ Applier = (*billing.Service)(nil)
var _ billing.PlanReader = (*plans.Catalog)(nil)
