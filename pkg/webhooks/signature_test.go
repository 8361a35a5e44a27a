package webhooks

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

func TestVerify(t *testing.T) {
	const secret = "whsec_test"
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt_1","type":"payment-received"}`)
	ts := now.Unix()

	v := NewVerifier(secret, DefaultTolerance)
	v.now = func() time.Time { return now }

	tests := []struct {
		name    string
		header  string
		id      string
		typ     string
		body    []byte
		wantErr bool
	}{
		{"valid", Sign(secret, "evt_1", "payment-received", ts, body), "evt_1", "payment-received", body, false},
		{"tampered body", Sign(secret, "evt_1", "payment-received", ts, body), "evt_1", "payment-received", []byte(`{}`), true},
		{"tampered id", Sign(secret, "evt_1", "payment-received", ts, body), "evt_2", "payment-received", body, true},
		{"tampered type", Sign(secret, "evt_1", "payment-received", ts, body), "evt_1", "payment-failed", body, true},
		{"wrong secret", Sign("other", "evt_1", "payment-received", ts, body), "evt_1", "payment-received", body, true},
		{"stale", Sign(secret, "evt_1", "payment-received", ts-601, body), "evt_1", "payment-received", body, true},
		{"future", Sign(secret, "evt_1", "payment-received", ts+601, body), "evt_1", "payment-received", body, true},
		{"missing header", "", "evt_1", "payment-received", body, true},
		{"no signature", "ts=1", "evt_1", "payment-received", body, true},
		{"bad timestamp", "ts=abc,v1=00", "evt_1", "payment-received", body, true},
		{"not hex", fmt.Sprintf("ts=%d,v1=zz", ts), "evt_1", "payment-received", body, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header, tt.id, tt.typ, tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrUnauthenticated)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifyRotatedSecret(t *testing.T) {
	body := []byte(`{}`)
	ts := time.Now().Unix()
	good := Sign("new", "evt", "payment-received", ts, body)
	old := Sign("old", "evt", "payment-received", ts, body)

	// processor sends both signatures during rotation
	_, newSig, _ := strings.Cut(good, ",")
	header := old + "," + newSig
	v := NewVerifier("new", DefaultTolerance)
	assert.NoError(t, v.Verify(header, "evt", "payment-received", body))
}

func TestVerifyToleranceDisabled(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier("s", 0)
	assert.NoError(t, v.Verify(Sign("s", "evt", "t", 1, body), "evt", "t", body))
}

func TestVerifyRequiresSecret(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier("", 0)
	assert.ErrorIs(t, v.Verify(Sign("", "evt", "t", 1, body), "evt", "t", body), errs.ErrUnauthenticated)
}
