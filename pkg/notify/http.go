package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Delivery is the JSON body posted to the host application
type Delivery struct {
	ID      string                 `json:"id"`
	Kind    string                 `json:"kind"`
	OrgID   int64                  `json:"orgId"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	SentAt  time.Time              `json:"sentAt"`
}

// HTTPClient posts signed deliveries to a single endpoint. It implements
// both OrgStatusSink and Notifier.
type HTTPClient struct {
	url     string
	secret  string
	client  *http.Client
	policy  *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// HTTPClientOptions configures an HTTPClient
type HTTPClientOptions struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewHTTPClient creates an HTTPClient
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &HTTPClient{
		url:     opts.URL,
		secret:  opts.Secret,
		client:  &http.Client{Timeout: opts.Timeout},
		policy:  NewRetryPolicy(opts.Retry),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sleep:   sleepContext,
	}
}

func (c *HTTPClient) SetOrganizationActive(ctx context.Context, orgID int64, active bool) error {
	return c.send(ctx, orgID, KindOrganizationStatus, map[string]interface{}{"active": active})
}

func (c *HTTPClient) Notify(ctx context.Context, orgID int64, kind string, payload map[string]interface{}) error {
	return c.send(ctx, orgID, kind, payload)
}

func (c *HTTPClient) send(ctx context.Context, orgID int64, kind string, payload map[string]interface{}) error {
	d := Delivery{
		ID:      uuid.NewString(),
		Kind:    kind,
		OrgID:   orgID,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = c.post(ctx, d, body)
		if lastErr == nil || !isRetryable(lastErr) || !c.policy.ShouldRetry(attempt, lastErr) {
			break
		}
		c.logger.WithError(lastErr).WithFields(map[string]interface{}{
			"delivery_id": d.ID,
			"kind":        kind,
			"attempt":     attempt,
		}).Warn("Notification delivery failed, retrying")
		if err := c.sleep(ctx, c.policy.NextRetryDelay(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	c.metrics.ObserveNotification(kind, lastErr)
	if lastErr != nil {
		return fmt.Errorf("notification %s for org %d: %w", kind, orgID, lastErr)
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// 4xx other than 408 and 429 will not succeed on retry
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout
	}
	return !errors.Is(err, context.Canceled)
}

func (c *HTTPClient) post(ctx context.Context, d Delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rentbill-Event", d.Kind)
	req.Header.Set("X-Rentbill-Delivery", d.ID)
	if c.secret != "" {
		req.Header.Set("X-Rentbill-Signature", Sign(body, c.secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value for body
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a value produced by Sign
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
