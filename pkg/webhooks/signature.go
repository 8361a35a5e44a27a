package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

// SignatureHeader carries the processor's signature
const SignatureHeader = "X-Signature"

// DefaultTolerance is the accepted clock skew between signer and receiver
const DefaultTolerance = 5 * time.Minute

// Manifest builds the canonical string the processor signs
func Manifest(id, eventType string, ts int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("id:%s;type:%s;ts:%d;body:%s;", id, eventType, ts, hex.EncodeToString(sum[:]))
}

func computeMAC(secret []byte, manifest string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// Sign returns the signature header value for an event. Processors and
// tests use it; the adapter only verifies.
func Sign(secret, id, eventType string, ts int64, body []byte) string {
	sig := computeMAC([]byte(secret), Manifest(id, eventType, ts, body))
	return fmt.Sprintf("ts=%d,v1=%s", ts, hex.EncodeToString(sig))
}

// Verifier authenticates notifications with a shared secret
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A non-positive tolerance disables the
// timestamp freshness check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify checks header against the event's manifest. Any failure matches
// errs.ErrUnauthenticated.
func (v *Verifier) Verify(header, id, eventType string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", errs.ErrUnauthenticated)
	}
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if v.tolerance > 0 {
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", errs.ErrUnauthenticated)
		}
	}

	expected := computeMAC(v.secret, Manifest(id, eventType, ts, body))
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", errs.ErrUnauthenticated)
}

// parseSignatureHeader reads "ts=<unix>,v1=<hex>[,v1=<hex>...]". Several
// v1 entries are accepted while the processor rotates secrets.
func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing %s header", errs.ErrUnauthenticated, SignatureHeader)
	}
	var (
		ts    int64
		hasTS bool
		sigs  []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", errs.ErrUnauthenticated)
			}
			ts, hasTS = n, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !hasTS || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed %s header", errs.ErrUnauthenticated, SignatureHeader)
	}
	return ts, sigs, nil
}
